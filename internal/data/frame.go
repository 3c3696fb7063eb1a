package data

import "errors"

// DataTopic tags a frame as primary series or annotations.
type DataTopic string

const (
	TopicSeries      DataTopic = ""
	TopicAnnotations DataTopic = "annotations"
)

// FieldType is the value type of a column.
type FieldType string

const (
	FieldTypeTime    FieldType = "time"
	FieldTypeNumber  FieldType = "number"
	FieldTypeString  FieldType = "string"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeOther   FieldType = "other"
)

// FrameMeta carries frame level metadata.
type FrameMeta struct {
	DataTopic DataTopic      `json:"dataTopic,omitempty"`
	Custom    map[string]any `json:"custom,omitempty"`
}

// InternalLink points a data link at a query against another data source.
type InternalLink struct {
	DatasourceUID string         `json:"datasourceUid"`
	Query         map[string]any `json:"query,omitempty"`
}

// DataLink is a link attached to a field.
type DataLink struct {
	Title    string        `json:"title"`
	URL      string        `json:"url"`
	Origin   string        `json:"origin,omitempty"`
	Internal *InternalLink `json:"internal,omitempty"`
}

// FieldConfig is the display configuration of a field.
type FieldConfig struct {
	DisplayName string     `json:"displayName,omitempty"`
	Links       []DataLink `json:"links,omitempty"`
}

// Field is one column of a frame.
type Field struct {
	Name   string      `json:"name"`
	Type   FieldType   `json:"type"`
	Values []any       `json:"values"`
	Config FieldConfig `json:"config"`
}

// Len returns the number of values in the field.
func (f Field) Len() int { return len(f.Values) }

// Frame is a columnar result payload.
type Frame struct {
	Name   string     `json:"name,omitempty"`
	RefID  string     `json:"refId,omitempty"`
	Meta   *FrameMeta `json:"meta,omitempty"`
	Fields []Field    `json:"fields"`
}

// Topic returns the frame's data topic.
func (f Frame) Topic() DataTopic {
	if f.Meta == nil {
		return TopicSeries
	}
	return f.Meta.DataTopic
}

// WithTopic returns a copy of the frame tagged with topic.
func (f Frame) WithTopic(topic DataTopic) Frame {
	meta := FrameMeta{}
	if f.Meta != nil {
		meta = *f.Meta
	}
	meta.DataTopic = topic
	f.Meta = &meta
	return f
}

// Len returns the row count, taken from the longest field.
func (f Frame) Len() int {
	n := 0
	for _, field := range f.Fields {
		if field.Len() > n {
			n = field.Len()
		}
	}
	return n
}

// Field returns the first field with the given name.
func (f Frame) Field(name string) (Field, bool) {
	for _, field := range f.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// FirstFieldOfType returns the first field of type t.
func (f Frame) FirstFieldOfType(t FieldType) (Field, bool) {
	for _, field := range f.Fields {
		if field.Type == t {
			return field, true
		}
	}
	return Field{}, false
}

// ErrMalformedFrame reports a frame whose shape cannot be interpreted, for
// example a column count that does not match its schema.
var ErrMalformedFrame = errors.New("malformed data frame")
