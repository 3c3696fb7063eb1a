// Package dashboard is the dashboard model the query engine reads: panels,
// annotation descriptors, identity, the snapshot flag and the refresh signal.
// The engine never mutates a model directly; snapshot updates are applied
// through ApplySnapshot by the dashboard layer.
package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/events"
)

// FieldMapping maps one annotation event field to a frame column or a fixed value.
type FieldMapping struct {
	// Source is "field" (default), "text" (fixed value) or "skip".
	Source string `json:"source,omitempty"`
	Value  string `json:"value,omitempty"`
	Regex  string `json:"regex,omitempty"`
}

// AnnotationDescriptor is one entry of the dashboard annotation list.
type AnnotationDescriptor struct {
	Enable       bool                    `json:"enable"`
	Hide         bool                    `json:"hide,omitempty"`
	Name         string                  `json:"name"`
	IconColor    string                  `json:"iconColor,omitempty"`
	Datasource   *data.DataSourceRef     `json:"datasource,omitempty"`
	Type         string                  `json:"type,omitempty"`
	BuiltIn      int                     `json:"builtIn,omitempty"`
	Mappings     map[string]FieldMapping `json:"mappings,omitempty"`
	Filter       *data.PanelFilter       `json:"filter,omitempty"`
	Target       map[string]any          `json:"target,omitempty"`
	SnapshotData []data.AnnotationEvent  `json:"snapshotData,omitempty"`

	// Legacy query fields kept on older dashboards.
	Query    string   `json:"query,omitempty"`
	Expr     string   `json:"expr,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	MatchAny bool     `json:"matchAny,omitempty"`
}

// UnmarshalJSON accepts a legacy string datasource.
func (a *AnnotationDescriptor) UnmarshalJSON(b []byte) error {
	type alias AnnotationDescriptor
	aux := struct {
		*alias
		Datasource json.RawMessage `json:"datasource,omitempty"`
	}{alias: (*alias)(a)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	ref, err := data.ParseDataSourceRef(aux.Datasource)
	if err != nil {
		return err
	}
	a.Datasource = ref
	return nil
}

// IsBuiltIn reports whether the descriptor is the dashboard's built-in
// annotations and alerts entry.
func (a AnnotationDescriptor) IsBuiltIn() bool {
	return a.BuiltIn != 0
}

// HasSnapshotData reports whether the descriptor replays stored events.
func (a AnnotationDescriptor) HasSnapshotData() bool {
	return a.SnapshotData != nil
}

// Source returns the read-only identity attached to every event produced by
// this descriptor.
func (a AnnotationDescriptor) Source() *data.AnnotationSource {
	src := &data.AnnotationSource{
		Name:      a.Name,
		Type:      a.Type,
		IconColor: a.IconColor,
		Filter:    a.Filter,
	}
	if a.Datasource != nil {
		ref := *a.Datasource
		src.Datasource = &ref
	}
	return src
}

// Clone returns a copy whose slices and maps can be modified freely.
func (a AnnotationDescriptor) Clone() AnnotationDescriptor {
	out := a
	if a.Datasource != nil {
		ref := *a.Datasource
		out.Datasource = &ref
	}
	if a.Mappings != nil {
		out.Mappings = make(map[string]FieldMapping, len(a.Mappings))
		for k, v := range a.Mappings {
			out.Mappings[k] = v
		}
	}
	if a.Target != nil {
		out.Target = make(map[string]any, len(a.Target))
		for k, v := range a.Target {
			out.Target[k] = v
		}
	}
	if a.Tags != nil {
		out.Tags = append([]string(nil), a.Tags...)
	}
	out.SnapshotData = data.CloneEvents(a.SnapshotData)
	return out
}

// LegacyAlert is the alert rule attached to a panel by the legacy alerting system.
type LegacyAlert struct {
	Name      string `json:"name"`
	Frequency string `json:"frequency,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Panel is a dashboard panel. Row panels carry their children in Panels.
type Panel struct {
	ID            int64               `json:"id"`
	Title         string              `json:"title,omitempty"`
	Type          string              `json:"type,omitempty"`
	Datasource    *data.DataSourceRef `json:"datasource,omitempty"`
	Targets       []data.DataQuery    `json:"targets,omitempty"`
	Alert         *LegacyAlert        `json:"alert,omitempty"`
	Interval      string              `json:"interval,omitempty"`
	MaxDataPoints int64               `json:"maxDataPoints,omitempty"`
	Panels        []Panel             `json:"panels,omitempty"`
}

// UnmarshalJSON accepts a legacy string datasource.
func (p *Panel) UnmarshalJSON(b []byte) error {
	type alias Panel
	aux := struct {
		*alias
		Datasource json.RawMessage `json:"datasource,omitempty"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	ref, err := data.ParseDataSourceRef(aux.Datasource)
	if err != nil {
		return err
	}
	p.Datasource = ref
	return nil
}

// Support returns which dashboard level results the panel consumes. Row
// panels consume none.
func (p Panel) Support() data.DataSupport {
	if p.Type == "row" {
		return data.DataSupport{}
	}
	return data.DataSupport{Annotations: true, AlertStates: true}
}

// AnnotationList wraps the descriptor list the way the dashboard JSON does.
type AnnotationList struct {
	List []AnnotationDescriptor `json:"list"`
}

// Model is a loaded dashboard.
type Model struct {
	ID          int64             `json:"id,omitempty"`
	UID         string            `json:"uid"`
	Title       string            `json:"title,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Refresh     string            `json:"refresh,omitempty"`
	Time        data.RawTimeRange `json:"time"`
	Panels      []Panel           `json:"panels,omitempty"`
	Annotations AnnotationList    `json:"annotations"`

	mu           sync.RWMutex
	snapshotting bool
	bus          *events.Bus
	now          func() time.Time
}

func (m *Model) init() {
	if m.bus == nil {
		m.bus = events.NewBus(16)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.Time.From == "" {
		m.Time = data.RawTimeRange{From: "now-6h", To: data.LiveNow}
	}
}

// AllPanels returns every panel with row children flattened in.
func (m *Model) AllPanels() []Panel {
	var out []Panel
	var walk func([]Panel)
	walk = func(panels []Panel) {
		for _, p := range panels {
			out = append(out, p)
			if len(p.Panels) > 0 {
				walk(p.Panels)
			}
		}
	}
	walk(m.Panels)
	return out
}

// Panel returns the panel with the given id, searching nested rows.
func (m *Model) Panel(id int64) (Panel, bool) {
	for _, p := range m.AllPanels() {
		if p.ID == id {
			return p, true
		}
	}
	return Panel{}, false
}

// HasLegacyAlerts reports whether any panel carries a legacy alert.
func (m *Model) HasLegacyAlerts() bool {
	for _, p := range m.AllPanels() {
		if p.Alert != nil {
			return true
		}
	}
	return false
}

// AnnotationDescriptors returns a copy of the annotation list.
func (m *Model) AnnotationDescriptors() []AnnotationDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AnnotationDescriptor, len(m.Annotations.List))
	for i, a := range m.Annotations.List {
		out[i] = a.Clone()
	}
	return out
}

// Snapshotting reports whether the dashboard is currently being snapshotted,
// in which case annotation results are recorded as snapshot data.
func (m *Model) Snapshotting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotting
}

// SetSnapshotting toggles snapshot recording.
func (m *Model) SetSnapshotting(on bool) {
	m.mu.Lock()
	m.snapshotting = on
	m.mu.Unlock()
}

// Events returns the dashboard event bus.
func (m *Model) Events() *events.Bus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.bus
}

// RequestRefresh publishes the refresh signal.
func (m *Model) RequestRefresh(reason string) {
	m.Events().Publish(events.Event{
		Type:         events.DashboardRefresh,
		DashboardUID: m.UID,
		Summary:      reason,
	})
}

// SetTimeRange changes the dashboard range and publishes the change.
func (m *Model) SetTimeRange(raw data.RawTimeRange) {
	m.mu.Lock()
	m.Time = raw
	m.mu.Unlock()

	m.Events().Publish(events.Event{
		Type:         events.TimeRangeChanged,
		DashboardUID: m.UID,
		Summary:      raw.From + " to " + raw.To,
	})
}

// TimeRange resolves the dashboard's raw range against the current time.
func (m *Model) TimeRange() (data.TimeRange, error) {
	m.mu.Lock()
	m.init()
	raw := m.Time
	now := m.now()
	m.mu.Unlock()
	return ResolveTimeRange(raw, now)
}
