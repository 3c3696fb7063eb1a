package grafana

import (
	"context"
	"fmt"
	"strconv"

	"github.com/marcus-qen/dashquery/internal/data"
)

type queryDataRequest struct {
	Queries []map[string]any `json:"queries"`
	From    string           `json:"from"`
	To      string           `json:"to"`
}

type wireField struct {
	Name   string           `json:"name"`
	Type   data.FieldType   `json:"type"`
	Config data.FieldConfig `json:"config"`
}

type wireFrame struct {
	Schema struct {
		Name   string          `json:"name"`
		RefID  string          `json:"refId"`
		Meta   *data.FrameMeta `json:"meta,omitempty"`
		Fields []wireField     `json:"fields"`
	} `json:"schema"`
	Data struct {
		Values [][]any `json:"values"`
	} `json:"data"`
}

type wireResult struct {
	Status int         `json:"status"`
	Error  string      `json:"error"`
	Frames []wireFrame `json:"frames"`
}

type queryDataResponse struct {
	Results map[string]wireResult `json:"results"`
}

// QueryResult is the response for one refId of a backend query.
type QueryResult struct {
	RefID  string
	Status int
	Error  string
	Frames []data.Frame
}

// QueryData runs req through POST /api/ds/query and returns one result per
// visible target, in target order.
func (c *HTTPClient) QueryData(ctx context.Context, req *data.Request) ([]QueryResult, error) {
	body := queryDataRequest{
		From: strconv.FormatInt(req.Range.From.UnixMilli(), 10),
		To:   strconv.FormatInt(req.Range.To.UnixMilli(), 10),
	}
	var refIDs []string
	for _, t := range req.Targets {
		if t.Hide {
			continue
		}
		q := make(map[string]any, len(t.Model)+4)
		for k, v := range t.Model {
			q[k] = v
		}
		q["refId"] = t.RefID
		ds := t.Datasource
		if ds == nil {
			ds = req.Datasource
		}
		if ds != nil {
			q["datasource"] = ds
		}
		if req.IntervalMs > 0 {
			q["intervalMs"] = req.IntervalMs
		}
		if req.MaxDataPoints > 0 {
			q["maxDataPoints"] = req.MaxDataPoints
		}
		body.Queries = append(body.Queries, q)
		refIDs = append(refIDs, t.RefID)
	}
	if len(body.Queries) == 0 {
		return nil, nil
	}

	var payload queryDataResponse
	if err := c.postJSON(ctx, "/api/ds/query", body, &payload); err != nil {
		return nil, err
	}

	out := make([]QueryResult, 0, len(refIDs))
	for _, refID := range refIDs {
		res, ok := payload.Results[refID]
		if !ok {
			continue
		}
		frames, err := decodeFrames(refID, res.Frames)
		if err != nil {
			return nil, &ClientError{Code: "parse_error", Message: "failed to decode frames", Detail: err.Error(), cause: err}
		}
		out = append(out, QueryResult{RefID: refID, Status: res.Status, Error: res.Error, Frames: frames})
	}
	return out, nil
}

func decodeFrames(refID string, in []wireFrame) ([]data.Frame, error) {
	out := make([]data.Frame, 0, len(in))
	for i, wf := range in {
		if len(wf.Data.Values) > 0 && len(wf.Data.Values) != len(wf.Schema.Fields) {
			return nil, fmt.Errorf("refId %s frame %d: %d value columns for %d fields: %w",
				refID, i, len(wf.Data.Values), len(wf.Schema.Fields), data.ErrMalformedFrame)
		}
		frame := data.Frame{
			Name:   wf.Schema.Name,
			RefID:  wf.Schema.RefID,
			Meta:   wf.Schema.Meta,
			Fields: make([]data.Field, 0, len(wf.Schema.Fields)),
		}
		if frame.RefID == "" {
			frame.RefID = refID
		}
		for j, f := range wf.Schema.Fields {
			field := data.Field{Name: f.Name, Type: f.Type, Config: f.Config, Values: []any{}}
			if field.Type == "" {
				field.Type = data.FieldTypeOther
			}
			if j < len(wf.Data.Values) && wf.Data.Values[j] != nil {
				field.Values = wf.Data.Values[j]
			}
			frame.Fields = append(frame.Fields, field)
		}
		out = append(out, frame)
	}
	return out, nil
}
