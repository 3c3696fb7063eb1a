package annotations

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/data"
)

// Mapping sources.
const (
	MappingField = "field"
	MappingText  = "text"
	MappingSkip  = "skip"
)

// eventFields are the event properties filled from frame columns, in
// resolution order.
var eventFields = []string{"time", "timeEnd", "title", "text", "tags", "id", "color", "login", "avatarUrl", "newState", "prevState", "panelId"}

type column struct {
	field *data.Field
	fixed string
	regex *regexp.Regexp
}

func (c column) value(row int) (any, bool) {
	if c.field == nil {
		if c.fixed == "" {
			return nil, false
		}
		return c.fixed, true
	}
	if row >= len(c.field.Values) {
		return nil, false
	}
	v := c.field.Values[row]
	if v == nil {
		return nil, false
	}
	if c.regex != nil {
		m := c.regex.FindStringSubmatch(fmt.Sprint(v))
		switch {
		case m == nil:
			return nil, false
		case len(m) > 1:
			return m[1], true
		default:
			return m[0], true
		}
	}
	return v, true
}

// resolveColumns picks the column feeding each event property. Explicit
// mappings win; otherwise a field of the same name is used, and time and
// text fall back to the first time and string field.
func resolveColumns(frame *data.Frame, mappings map[string]dashboard.FieldMapping) (map[string]column, error) {
	cols := make(map[string]column, len(eventFields))
	for _, key := range eventFields {
		m, mapped := mappings[key]
		if mapped {
			switch m.Source {
			case MappingSkip:
				continue
			case MappingText:
				cols[key] = column{fixed: m.Value}
				continue
			}
		}

		name := key
		if mapped && m.Value != "" {
			name = m.Value
		}
		var col column
		for i := range frame.Fields {
			if frame.Fields[i].Name == name {
				col.field = &frame.Fields[i]
				break
			}
		}
		if col.field == nil && !mapped {
			col.field = defaultField(frame, key)
		}
		if col.field == nil {
			continue
		}
		if mapped && m.Regex != "" {
			re, err := regexp.Compile(m.Regex)
			if err != nil {
				return nil, fmt.Errorf("mapping %s: %w", key, err)
			}
			col.regex = re
		}
		cols[key] = col
	}
	return cols, nil
}

func defaultField(frame *data.Frame, key string) *data.Field {
	var want data.FieldType
	switch key {
	case "time":
		want = data.FieldTypeTime
	case "text":
		want = data.FieldTypeString
	default:
		return nil
	}
	for i := range frame.Fields {
		if frame.Fields[i].Type == want {
			return &frame.Fields[i]
		}
	}
	return nil
}

// FramesToEvents converts result frames into annotation events. Rows without
// a time are dropped; frames without a time column are skipped. A frame whose
// columns disagree on length is malformed.
func FramesToEvents(frames []data.Frame, mappings map[string]dashboard.FieldMapping) ([]data.AnnotationEvent, error) {
	var out []data.AnnotationEvent
	for fi := range frames {
		frame := &frames[fi]
		rows := frame.Len()
		for _, f := range frame.Fields {
			if f.Len() != rows {
				return nil, fmt.Errorf("frame %q field %q has %d values, want %d: %w", frame.Name, f.Name, f.Len(), rows, ErrMalformedFrame)
			}
		}

		cols, err := resolveColumns(frame, mappings)
		if err != nil {
			return nil, err
		}
		if _, ok := cols["time"]; !ok {
			continue
		}

		for row := 0; row < rows; row++ {
			evt, ok, err := rowToEvent(cols, row)
			if err != nil {
				return nil, fmt.Errorf("frame %q row %d: %w", frame.Name, row, err)
			}
			if ok {
				out = append(out, evt)
			}
		}
	}
	return out, nil
}

func rowToEvent(cols map[string]column, row int) (data.AnnotationEvent, bool, error) {
	var evt data.AnnotationEvent
	raw, ok := cols["time"].value(row)
	if !ok {
		return evt, false, nil
	}
	ts, err := toMillis(raw)
	if err != nil {
		return evt, false, err
	}
	evt.Time = ts
	evt.Tags = []string{}

	for key, col := range cols {
		v, ok := col.value(row)
		if !ok || key == "time" {
			continue
		}
		switch key {
		case "timeEnd":
			end, err := toMillis(v)
			if err != nil {
				return evt, false, err
			}
			evt.TimeEnd = end
		case "title":
			evt.Title = toString(v)
		case "text":
			evt.Text = toString(v)
		case "tags":
			evt.Tags = toTags(v)
		case "id":
			evt.ID = toString(v)
		case "color":
			evt.Color = toString(v)
		case "login":
			evt.Login = toString(v)
		case "avatarUrl":
			evt.AvatarURL = toString(v)
		case "newState":
			evt.NewState = toString(v)
		case "prevState":
			evt.PrevState = toString(v)
		case "panelId":
			if n, err := toMillis(v); err == nil {
				evt.PanelID = n
			}
		}
	}
	evt.IsRegion = evt.TimeEnd != 0 && evt.TimeEnd != evt.Time
	return evt, true, nil
}

// toMillis reads a unix millisecond timestamp from a number, a numeric string
// or an RFC3339 string.
func toMillis(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("invalid time %v: %w", t, ErrMalformedFrame)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case time.Time:
		return t.UnixMilli(), nil
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return 0, fmt.Errorf("invalid time %q: %w", t, ErrMalformedFrame)
		}
		return ts.UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid time of type %T: %w", v, ErrMalformedFrame)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func toTags(v any) []string {
	var parts []string
	switch t := v.(type) {
	case []string:
		parts = t
	case []any:
		for _, x := range t {
			parts = append(parts, toString(x))
		}
	default:
		parts = strings.Split(toString(v), ",")
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EventsToFrame renders events as one annotations-topic frame.
func EventsToFrame(events []data.AnnotationEvent) data.Frame {
	n := len(events)
	col := func(name string, t data.FieldType) data.Field {
		return data.Field{Name: name, Type: t, Values: make([]any, n)}
	}
	fields := []data.Field{
		col("time", data.FieldTypeTime),
		col("timeEnd", data.FieldTypeTime),
		col("title", data.FieldTypeString),
		col("text", data.FieldTypeString),
		col("tags", data.FieldTypeOther),
		col("color", data.FieldTypeString),
		col("type", data.FieldTypeString),
		col("id", data.FieldTypeString),
		col("panelId", data.FieldTypeNumber),
		col("isRegion", data.FieldTypeBoolean),
		col("newState", data.FieldTypeString),
	}
	for i, e := range events {
		fields[0].Values[i] = e.Time
		if e.TimeEnd != 0 {
			fields[1].Values[i] = e.TimeEnd
		}
		fields[2].Values[i] = e.Title
		fields[3].Values[i] = e.Text
		fields[4].Values[i] = append([]string{}, e.Tags...)
		fields[5].Values[i] = e.Color
		fields[6].Values[i] = e.Type
		fields[7].Values[i] = e.ID
		fields[8].Values[i] = e.PanelID
		fields[9].Values[i] = e.IsRegion
		fields[10].Values[i] = e.NewState
	}
	return data.Frame{
		Name:   "annotations",
		Meta:   &data.FrameMeta{DataTopic: data.TopicAnnotations},
		Fields: fields,
	}
}
