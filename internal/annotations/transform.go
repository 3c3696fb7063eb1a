// Package annotations runs annotation queries against data sources and holds
// the transforms shared by every annotation producer: source tagging, panel
// filtering, deduplication and frame conversion.
package annotations

import (
	"strings"

	"github.com/marcus-qen/dashquery/internal/data"
)

// ErrMalformedFrame is returned when result frames cannot be converted to
// annotation events.
var ErrMalformedFrame = data.ErrMalformedFrame

// Alert state colours applied to legacy alert annotations.
const (
	colorPending  = "rgba(251, 191, 36, 1)"
	colorAlerting = "rgba(237, 46, 24, 1)"
	colorOK       = "rgba(11, 237, 50, 1)"
	colorNoData   = "rgba(150, 150, 150, 1)"
)

// Translate tags events with the descriptor that produced them. Each event
// gets the source back-reference, the descriptor colour and name, and its
// region flag. Alert annotations are coloured by their new state.
func Translate(src *data.AnnotationSource, events []data.AnnotationEvent) []data.AnnotationEvent {
	out := make([]data.AnnotationEvent, 0, len(events))
	for _, e := range events {
		e = e.Clone()
		e.Source = src
		if src != nil {
			e.Color = src.IconColor
			e.Type = src.Name
		}
		e.IsRegion = e.TimeEnd != 0 && e.TimeEnd != e.Time
		if c, ok := alertColor(e.NewState); ok {
			e.Color = c
		}
		out = append(out, e)
	}
	return out
}

func alertColor(newState string) (string, bool) {
	switch strings.ToLower(newState) {
	case "pending":
		return colorPending, true
	case "alerting":
		return colorAlerting, true
	case "ok", "normal":
		return colorOK, true
	case "no_data", "nodata":
		return colorNoData, true
	}
	return "", false
}

// FilterByPanel keeps the events visible on panelID. Events of dashboard
// scoped sources that name a panel only show on that panel; everything else
// is dashboard wide, subject to the source's panel filter.
func FilterByPanel(events []data.AnnotationEvent, panelID int64) []data.AnnotationEvent {
	out := make([]data.AnnotationEvent, 0, len(events))
	for _, e := range events {
		if e.Source == nil {
			out = append(out, e)
			continue
		}
		if e.PanelID != 0 && e.Source.IsDashboardScoped() {
			if e.PanelID == panelID {
				out = append(out, e)
			}
			continue
		}
		if e.Source.Filter != nil && !e.Source.Filter.Matches(panelID) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Dedup removes duplicates while keeping the order of first appearance.
// Events sharing an id collapse onto one, preferring an event that is not a
// panel alert. The survivors are then deduplicated by content: time, text,
// tags and source.
func Dedup(events []data.AnnotationEvent) []data.AnnotationEvent {
	byID := make(map[string]int)
	kept := make([]data.AnnotationEvent, 0, len(events))
	for _, e := range events {
		if e.ID == "" {
			kept = append(kept, e)
			continue
		}
		i, seen := byID[e.ID]
		if !seen {
			byID[e.ID] = len(kept)
			kept = append(kept, e)
			continue
		}
		if kept[i].EventType == data.EventTypePanelAlert && e.EventType != data.EventTypePanelAlert {
			kept[i] = e
		}
	}

	seen := make(map[string]struct{}, len(kept))
	out := kept[:0]
	for _, e := range kept {
		key := e.ContentKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}
