package grafana

import "encoding/json"

// ClientError exposes categorized adapter failures for API mapping.
type ClientError struct {
	Code    string
	Message string
	Detail  string
	Status  int
	cause   error
}

func (e *ClientError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Message
	}
	return e.Message + ": " + e.Detail
}

// Unwrap returns the transport error behind the failure, if any.
func (e *ClientError) Unwrap() error { return e.cause }

// StatusCode returns the HTTP status of the failed response, 0 for transport errors.
func (e *ClientError) StatusCode() int { return e.Status }

// Cancelled reports whether the request was aborted rather than failed.
func (e *ClientError) Cancelled() bool { return e.Code == "cancelled" }

// Structural reports whether the response could not be interpreted.
func (e *ClientError) Structural() bool { return e.Code == "parse_error" }

// Health mirrors Grafana's /api/health payload.
type Health struct {
	Database string `json:"database"`
	Version  string `json:"version,omitempty"`
	Commit   string `json:"commit,omitempty"`
}

// Healthy reports whether the database check passed.
func (h Health) Healthy() bool { return h.Database == "ok" }

// DatasourceSettings is the subset of /api/datasources/uid/<uid> the engine uses.
type DatasourceSettings struct {
	ID        int64          `json:"id"`
	UID       string         `json:"uid"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	IsDefault bool           `json:"isDefault"`
	ReadOnly  bool           `json:"readOnly"`
	JSONData  map[string]any `json:"jsonData,omitempty"`
}

// Rule is one rule of a Prometheus-compatible rule group.
type Rule struct {
	Name        string            `json:"name"`
	Query       string            `json:"query,omitempty"`
	Type        string            `json:"type"`
	State       string            `json:"state,omitempty"`
	Health      string            `json:"health,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// IsAlerting reports whether the rule is an alerting (not recording) rule.
func (r Rule) IsAlerting() bool { return r.Type == "alerting" }

// RuleGroup is a named group of rules.
type RuleGroup struct {
	Name  string `json:"name"`
	File  string `json:"file"`
	Rules []Rule `json:"rules"`
}

// RulesResponse is the Prometheus-compatible rules discovery payload.
type RulesResponse struct {
	Status string `json:"status"`
	Data   struct {
		Groups []RuleGroup `json:"groups"`
	} `json:"data"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

// AnnotationItem is one entry of /api/annotations.
type AnnotationItem struct {
	ID           FlexibleID `json:"id"`
	AlertID      int64      `json:"alertId"`
	AlertName    string     `json:"alertName,omitempty"`
	DashboardID  int64      `json:"dashboardId"`
	DashboardUID string     `json:"dashboardUID"`
	PanelID      int64      `json:"panelId"`
	Time         int64      `json:"time"`
	TimeEnd      int64      `json:"timeEnd"`
	Text         string     `json:"text"`
	Tags         []string   `json:"tags"`
	Login        string     `json:"login"`
	Email        string     `json:"email,omitempty"`
	AvatarURL    string     `json:"avatarUrl"`
	NewState     string     `json:"newState,omitempty"`
	PrevState    string     `json:"prevState,omitempty"`
	Type         string     `json:"type,omitempty"`
}

// AnnotationQuery are the filters of /api/annotations.
type AnnotationQuery struct {
	From         int64
	To           int64
	Limit        int
	Tags         []string
	MatchAny     bool
	Type         string
	DashboardUID string
	PanelID      int64
}

// FlexibleID accepts ids encoded as numbers or strings.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexibleID) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*id = FlexibleID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*id = FlexibleID(s)
	return nil
}
