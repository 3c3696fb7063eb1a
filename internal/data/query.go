// Package data holds the vocabulary shared by the query pipeline: requests,
// response packets, frames, accumulated panel data, annotation events and
// alert states.
package data

import (
	"encoding/json"
	"time"
)

// LiveNow is the raw "to" bound of a range that follows the wall clock.
const LiveNow = "now"

// DataSourceRef identifies a data source instance.
type DataSourceRef struct {
	UID  string `json:"uid,omitempty" yaml:"uid,omitempty"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// IsZero reports whether the reference names nothing.
func (r DataSourceRef) IsZero() bool {
	return r.UID == "" && r.Type == ""
}

// Pseudo data sources that never own a query of their own.
const (
	MixedDataSourceUID      = "-- Mixed --"
	DashboardDataSourceUID  = "-- Dashboard --"
	GrafanaDataSourceUID    = "grafana"
	ExpressionDataSourceUID = "__expr__"
)

// IsPseudo reports whether the reference is a mixed, dashboard or expression
// placeholder rather than a concrete backend.
func (r DataSourceRef) IsPseudo() bool {
	switch r.UID {
	case MixedDataSourceUID, DashboardDataSourceUID, ExpressionDataSourceUID, "-100":
		return true
	}
	return r.Type == "datasource" || r.Type == "__expr__"
}

// ParseDataSourceRef decodes a datasource reference. Legacy dashboards store
// the datasource name as a plain string; null decodes to nil.
func ParseDataSourceRef(raw json.RawMessage) (*DataSourceRef, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var ref DataSourceRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		var name string
		if err2 := json.Unmarshal(raw, &name); err2 != nil {
			return nil, err
		}
		if name == "" {
			return nil, nil
		}
		ref = DataSourceRef{UID: name}
	}
	return &ref, nil
}

// DataQuery is one sub-query of a Request.
type DataQuery struct {
	RefID      string         `json:"refId" yaml:"refId"`
	Datasource *DataSourceRef `json:"datasource,omitempty" yaml:"datasource,omitempty"`
	Hide       bool           `json:"hide,omitempty" yaml:"hide,omitempty"`
	// Model carries the datasource specific fields (expr, rawSql, ...).
	Model map[string]any `json:"-" yaml:",inline"`
}

// MarshalJSON flattens Model next to the common fields, which is the shape the
// backend query API expects.
func (q DataQuery) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(q.Model)+3)
	for k, v := range q.Model {
		out[k] = v
	}
	out["refId"] = q.RefID
	if q.Datasource != nil {
		out["datasource"] = q.Datasource
	}
	if q.Hide {
		out["hide"] = true
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (q *DataQuery) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*q = DataQuery{Model: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "refId":
			if err := json.Unmarshal(v, &q.RefID); err != nil {
				return err
			}
		case "datasource":
			ref, err := ParseDataSourceRef(v)
			if err != nil {
				return err
			}
			q.Datasource = ref
		case "hide":
			if err := json.Unmarshal(v, &q.Hide); err != nil {
				return err
			}
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			q.Model[k] = val
		}
	}
	return nil
}

// RawTimeRange keeps the user-facing bounds ("now-6h", "now").
type RawTimeRange struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// TimeRange is an absolute range plus the raw expression it came from.
type TimeRange struct {
	From time.Time    `json:"from"`
	To   time.Time    `json:"to"`
	Raw  RawTimeRange `json:"raw"`
}

// IsLive reports whether the range is anchored to the current time.
func (r TimeRange) IsLive() bool {
	return r.Raw.To == LiveNow
}

// Duration returns the span covered by the range.
func (r TimeRange) Duration() time.Duration {
	return r.To.Sub(r.From)
}

// RelativeRange builds a live range ending now and starting d ago.
func RelativeRange(now time.Time, d time.Duration, raw string) TimeRange {
	return TimeRange{
		From: now.Add(-d),
		To:   now,
		Raw:  RawTimeRange{From: raw, To: LiveNow},
	}
}

// ScopedVar is a template variable injected by the engine.
type ScopedVar struct {
	Text  string `json:"text"`
	Value any    `json:"value"`
}

// App names the surface issuing a request.
type App string

const (
	AppDashboard App = "dashboard"
	AppExplore   App = "explore"
)

// Request is the envelope handed to a data source. It is treated as immutable
// once issued.
type Request struct {
	RequestID     string               `json:"requestId"`
	PanelID       int64                `json:"panelId,omitempty"`
	DashboardUID  string               `json:"dashboardUID,omitempty"`
	Datasource    *DataSourceRef       `json:"datasource,omitempty"`
	Targets       []DataQuery          `json:"targets"`
	Range         TimeRange            `json:"range"`
	ScopedVars    map[string]ScopedVar `json:"scopedVars,omitempty"`
	Interval      string               `json:"interval,omitempty"`
	IntervalMs    int64                `json:"intervalMs,omitempty"`
	MaxDataPoints int64                `json:"maxDataPoints,omitempty"`
	Timezone      string               `json:"timezone,omitempty"`
	App           App                  `json:"app,omitempty"`
	StartTime     time.Time            `json:"startTime"`
	EndTime       time.Time            `json:"endTime,omitempty"`
}

// Clone returns a shallow copy whose slices and maps can be modified freely.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Targets = append([]DataQuery(nil), r.Targets...)
	if r.ScopedVars != nil {
		out.ScopedVars = make(map[string]ScopedVar, len(r.ScopedVars))
		for k, v := range r.ScopedVars {
			out.ScopedVars[k] = v
		}
	}
	return &out
}

// DefaultKey is the packet key used when neither the packet nor the request
// provides one.
const DefaultKey = "A"

// FirstRefID returns the refId of the first target, or DefaultKey.
func (r *Request) FirstRefID() string {
	if r == nil || len(r.Targets) == 0 || r.Targets[0].RefID == "" {
		return DefaultKey
	}
	return r.Targets[0].RefID
}

// TargetDatasources maps refId to the datasource UID of targets that carry
// their own datasource reference.
func (r *Request) TargetDatasources() map[string]string {
	if r == nil {
		return nil
	}
	out := make(map[string]string)
	for _, t := range r.Targets {
		if t.Datasource != nil && t.Datasource.UID != "" {
			out[t.RefID] = t.Datasource.UID
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
