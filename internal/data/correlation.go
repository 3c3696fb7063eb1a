package data

// CorrelationConfig tells which field links to which target query.
type CorrelationConfig struct {
	Field  string         `json:"field"`
	Target map[string]any `json:"target,omitempty"`
	Type   string         `json:"type,omitempty"`
}

// Correlation links results of one data source to queries on another.
type Correlation struct {
	UID         string            `json:"uid"`
	SourceUID   string            `json:"sourceUID"`
	TargetUID   string            `json:"targetUID,omitempty"`
	Label       string            `json:"label,omitempty"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type,omitempty"`
	Provisioned bool              `json:"provisioned,omitempty"`
	Config      CorrelationConfig `json:"config"`
}
