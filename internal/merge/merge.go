// Package merge combines a panel's own query results with the dashboard wide
// results of the dashboard query runner.
package merge

import (
	"context"

	"github.com/marcus-qen/dashquery/internal/annotations"
	"github.com/marcus-qen/dashquery/internal/dashboardquery"
	"github.com/marcus-qen/dashquery/internal/data"
)

// CorrelationOrigin marks data links created from correlations.
const CorrelationOrigin = "correlations"

// Merge emits the latest panel data combined with the latest dashboard
// result every time either input produces a value. Nothing is emitted until
// the panel has produced data; dashboard results received before that are
// held. Once the panel stream closes, dashboard updates keep being merged
// into its last value. The output closes when both inputs have closed or ctx
// is done. A nil dashboard channel means there are no dashboard results.
func Merge(ctx context.Context, panel <-chan data.PanelData, dash <-chan dashboardquery.Result, support data.DataSupport) <-chan data.PanelData {
	out := make(chan data.PanelData, 1)
	go func() {
		defer close(out)

		var (
			last    *data.PanelData
			latest  *dashboardquery.Result
			changed bool
		)
		for panel != nil || dash != nil {
			select {
			case <-ctx.Done():
				return
			case pd, ok := <-panel:
				if !ok {
					panel = nil
					continue
				}
				last = &pd
				changed = true
			case res, ok := <-dash:
				if !ok {
					dash = nil
					continue
				}
				latest = &res
				changed = last != nil
			}

			if !changed {
				continue
			}
			changed = false
			select {
			case out <- Combine(*last, latest, support):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Combine attaches dashboard results to panel data. The input is not
// modified. res may be nil.
func Combine(pd data.PanelData, res *dashboardquery.Result, support data.DataSupport) data.PanelData {
	if res == nil {
		return pd
	}
	out := pd

	if support.Annotations && len(res.Annotations) > 0 {
		out.Annotations = make([]data.Frame, 0, len(pd.Annotations)+1)
		out.Annotations = append(out.Annotations, pd.Annotations...)
		out.Annotations = append(out.Annotations, annotations.EventsToFrame(res.Annotations))
	}
	if support.AlertStates && res.AlertState != nil {
		state := *res.AlertState
		out.AlertState = &state
	}
	if len(res.Correlations) > 0 {
		if targets := pd.Request.TargetDatasources(); targets != nil {
			out.Series = AttachCorrelations(pd.Series, res.Correlations, targets)
		}
	}
	return out
}

// AttachCorrelations adds a data link to every field a correlation names on
// frames produced by the correlation's source. targets maps refId to the
// data source UID that produced it. Frames without a match are shared with
// the input; matched frames are copied.
func AttachCorrelations(series []data.Frame, correlations []data.Correlation, targets map[string]string) []data.Frame {
	out := make([]data.Frame, len(series))
	copy(out, series)

	for i, frame := range out {
		uid, ok := targets[frame.RefID]
		if !ok {
			continue
		}
		var fields []data.Field
		for _, c := range correlations {
			if c.SourceUID != uid || c.Config.Field == "" {
				continue
			}
			for j, f := range frame.Fields {
				if f.Name != c.Config.Field {
					continue
				}
				if fields == nil {
					fields = make([]data.Field, len(frame.Fields))
					copy(fields, frame.Fields)
				}
				links := make([]data.DataLink, 0, len(fields[j].Config.Links)+1)
				links = append(links, fields[j].Config.Links...)
				fields[j].Config.Links = append(links, correlationLink(c))
			}
		}
		if fields != nil {
			out[i].Fields = fields
		}
	}
	return out
}

func correlationLink(c data.Correlation) data.DataLink {
	return data.DataLink{
		Title:  c.Label,
		Origin: CorrelationOrigin,
		Internal: &data.InternalLink{
			DatasourceUID: c.TargetUID,
			Query:         c.Config.Target,
		},
	}
}
