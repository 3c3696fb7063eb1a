package data

import (
	"strconv"
	"strings"
)

// EventTypePanelAlert marks annotations produced by legacy panel alerts.
const EventTypePanelAlert = "panel-alert"

// SourceTypeDashboard is the built-in, dashboard scoped annotation source.
const SourceTypeDashboard = "dashboard"

// PanelFilter restricts an annotation source to (or away from) panel ids.
type PanelFilter struct {
	Exclude bool    `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	IDs     []int64 `json:"ids,omitempty" yaml:"ids,omitempty"`
}

// Matches reports whether panelID passes the filter.
func (f *PanelFilter) Matches(panelID int64) bool {
	if f == nil {
		return true
	}
	included := false
	for _, id := range f.IDs {
		if id == panelID {
			included = true
			break
		}
	}
	if f.Exclude {
		return !included
	}
	return included
}

// AnnotationSource identifies the descriptor an event came from. It is a
// lookup reference and does not own the descriptor.
type AnnotationSource struct {
	Name       string         `json:"name"`
	Type       string         `json:"type,omitempty"`
	Datasource *DataSourceRef `json:"datasource,omitempty"`
	IconColor  string         `json:"iconColor,omitempty"`
	Filter     *PanelFilter   `json:"filter,omitempty"`
}

// Key returns a stable identity used for equality checks.
func (s *AnnotationSource) Key() string {
	if s == nil {
		return ""
	}
	ds := ""
	if s.Datasource != nil {
		ds = s.Datasource.UID
	}
	return s.Name + "\x00" + s.Type + "\x00" + ds
}

// IsDashboardScoped reports whether events of this source belong to single panels.
func (s *AnnotationSource) IsDashboardScoped() bool {
	return s != nil && s.Type == SourceTypeDashboard
}

// AnnotationEvent is one rendered annotation. Times are unix milliseconds.
type AnnotationEvent struct {
	ID           string            `json:"id,omitempty" yaml:"id,omitempty"`
	Time         int64             `json:"time" yaml:"time"`
	TimeEnd      int64             `json:"timeEnd,omitempty" yaml:"timeEnd,omitempty"`
	IsRegion     bool              `json:"isRegion,omitempty" yaml:"isRegion,omitempty"`
	Title        string            `json:"title,omitempty" yaml:"title,omitempty"`
	Text         string            `json:"text,omitempty" yaml:"text,omitempty"`
	Tags         []string          `json:"tags" yaml:"tags"`
	Color        string            `json:"color,omitempty" yaml:"color,omitempty"`
	Type         string            `json:"type,omitempty" yaml:"type,omitempty"`
	Source       *AnnotationSource `json:"source,omitempty" yaml:"source,omitempty"`
	PanelID      int64             `json:"panelId,omitempty" yaml:"panelId,omitempty"`
	DashboardUID string            `json:"dashboardUID,omitempty" yaml:"dashboardUID,omitempty"`
	Login        string            `json:"login,omitempty" yaml:"login,omitempty"`
	AvatarURL    string            `json:"avatarUrl,omitempty" yaml:"avatarUrl,omitempty"`
	AlertID      int64             `json:"alertId,omitempty" yaml:"alertId,omitempty"`
	NewState     string            `json:"newState,omitempty" yaml:"newState,omitempty"`
	PrevState    string            `json:"prevState,omitempty" yaml:"prevState,omitempty"`
	EventType    string            `json:"eventType,omitempty" yaml:"eventType,omitempty"`
}

// ContentKey is the equality key used for deduplication: time, text, tags and source.
func (e AnnotationEvent) ContentKey() string {
	var b strings.Builder
	b.WriteString(e.Text)
	b.WriteByte(0)
	b.WriteString(strings.Join(e.Tags, "\x01"))
	b.WriteByte(0)
	b.WriteString(e.Source.Key())
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(e.Time, 10))
	return b.String()
}

// Clone returns a deep enough copy for independent mutation of tags and source.
func (e AnnotationEvent) Clone() AnnotationEvent {
	out := e
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	return out
}

// CloneEvents copies a slice of events.
func CloneEvents(in []AnnotationEvent) []AnnotationEvent {
	if in == nil {
		return nil
	}
	out := make([]AnnotationEvent, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
