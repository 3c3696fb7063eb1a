package dashboard

import (
	"fmt"

	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/events"
)

// SnapshotUpdate carries the raw events an annotation descriptor produced
// while the dashboard was being snapshotted.
type SnapshotUpdate struct {
	DashboardUID   string                 `json:"dashboardUID"`
	AnnotationName string                 `json:"annotationName"`
	Events         []data.AnnotationEvent `json:"events"`
}

// ApplySnapshot stores u.Events as the snapshot data of the named descriptor.
// Returns false if no descriptor has that name.
func (m *Model) ApplySnapshot(u SnapshotUpdate) bool {
	m.mu.Lock()
	applied := false
	for i := range m.Annotations.List {
		if m.Annotations.List[i].Name != u.AnnotationName {
			continue
		}
		evts := data.CloneEvents(u.Events)
		if evts == nil {
			evts = []data.AnnotationEvent{}
		}
		m.Annotations.List[i].SnapshotData = evts
		applied = true
		break
	}
	m.mu.Unlock()

	if applied {
		m.Events().Publish(events.Event{
			Type:         events.SnapshotApplied,
			DashboardUID: m.UID,
			Summary:      fmt.Sprintf("%s: %d events", u.AnnotationName, len(u.Events)),
			Detail:       u.AnnotationName,
		})
	}
	return applied
}

// ClearSnapshots drops snapshot data from every descriptor so live queries
// run again.
func (m *Model) ClearSnapshots() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Annotations.List {
		m.Annotations.List[i].SnapshotData = nil
	}
}
