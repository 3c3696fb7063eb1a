package panel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/dashboardquery"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/datasource"
	"github.com/marcus-qen/dashquery/internal/query"
)

type recordingSource struct {
	mu  sync.Mutex
	req *data.Request
}

func (s *recordingSource) Ref() data.DataSourceRef { return data.DataSourceRef{UID: "prom", Type: "prometheus"} }

func (s *recordingSource) Query(ctx context.Context, req *data.Request, out chan<- data.ResponsePacket) error {
	s.mu.Lock()
	s.req = req
	s.mu.Unlock()
	return datasource.Send(ctx, out, data.ResponsePacket{Key: req.FirstRefID(), Data: []data.Frame{{Name: "up", RefID: req.FirstRefID()}}})
}

func (s *recordingSource) request() *data.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

type staticResolver struct {
	ds  datasource.DataSource
	err error
}

func (r staticResolver) Get(context.Context, *data.DataSourceRef) (datasource.DataSource, error) {
	return r.ds, r.err
}

type staticDashboards struct {
	result dashboardquery.Result
}

func (d staticDashboards) Subscribe(ctx context.Context, panelID int64) <-chan dashboardquery.Result {
	out := make(chan dashboardquery.Result, 1)
	out <- d.result
	return out
}

func testPanel() dashboard.Panel {
	prom := &data.DataSourceRef{UID: "prom"}
	return dashboard.Panel{
		ID:         4,
		Type:       "timeseries",
		Datasource: prom,
		Interval:   "1m",
		Targets: []data.DataQuery{
			{RefID: "A", Model: map[string]any{"expr": "up"}},
			{RefID: "B", Hide: true},
		},
	}
}

func testOptions() Options {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Options{
		Dashboard:     &dashboard.Model{UID: "d1", Timezone: "utc"},
		Range:         data.RelativeRange(now, time.Hour, "now-1h"),
		MaxDataPoints: 1000,
	}
}

// waitFor reads until cond matches or the stream ends.
func waitFor(t *testing.T, ch <-chan data.PanelData, cond func(data.PanelData) bool) data.PanelData {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case pd, ok := <-ch:
			if !ok {
				t.Fatal("stream ended before the expected emission")
			}
			if cond(pd) {
				return pd
			}
		case <-timeout:
			t.Fatal("timed out waiting for panel data")
		}
	}
}

func TestRunBuildsPanelRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &recordingSource{}
	r := NewQueryRunner(query.NewRunner(nil), staticResolver{ds: src}, nil)
	out := r.Run(ctx, testPanel(), testOptions())
	waitFor(t, out, func(pd data.PanelData) bool { return pd.State == data.StateDone })

	req := src.request()
	if req == nil {
		t.Fatal("data source was not queried")
	}
	if req.RequestID != "Q1" || req.PanelID != 4 || req.DashboardUID != "d1" {
		t.Fatalf("unexpected envelope %+v", req)
	}
	if len(req.Targets) != 1 || req.Targets[0].Datasource == nil || req.Targets[0].Datasource.UID != "prom" {
		t.Fatalf("unexpected targets %+v", req.Targets)
	}
	if req.Interval != "1m" || req.IntervalMs != 60000 {
		t.Fatalf("min interval not applied: %s %d", req.Interval, req.IntervalMs)
	}
}

func TestRunMergesDashboardResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dash := staticDashboards{result: dashboardquery.Result{
		Annotations: []data.AnnotationEvent{{Time: 1, Text: "deploy"}},
		AlertState:  &data.AlertStateInfo{PanelID: 4, State: data.AlertStatePending},
	}}
	r := NewQueryRunner(query.NewRunner(nil), staticResolver{ds: &recordingSource{}}, nil)
	opts := testOptions()
	opts.Results = dash
	pd := waitFor(t, r.Run(ctx, testPanel(), opts), func(pd data.PanelData) bool {
		return pd.State == data.StateDone && len(pd.Annotations) == 1
	})
	if pd.AlertState == nil || pd.AlertState.State != data.AlertStatePending {
		t.Fatalf("alert state not merged: %+v", pd.AlertState)
	}
	if len(pd.Series) != 1 || pd.Series[0].Name != "up" {
		t.Fatalf("unexpected series %+v", pd.Series)
	}
}

func TestRunReportsUnresolvedDatasource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewQueryRunner(query.NewRunner(nil), staticResolver{err: errors.New("datasource prom not found")}, nil)
	pd := waitFor(t, r.Run(ctx, testPanel(), testOptions()), func(pd data.PanelData) bool { return true })
	if pd.State != data.StateError || pd.Error == nil || pd.Error.Message != "datasource prom not found" {
		t.Fatalf("unexpected panel data %+v", pd)
	}
}

func TestRowPanelGetsNoDashboardResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dash := staticDashboards{result: dashboardquery.Result{Annotations: []data.AnnotationEvent{{Time: 1}}}}
	r := NewQueryRunner(query.NewRunner(nil), staticResolver{ds: &recordingSource{}}, nil)
	row := dashboard.Panel{ID: 9, Type: "row"}
	opts := testOptions()
	opts.Results = dash
	pd := waitFor(t, r.Run(ctx, row, opts), func(pd data.PanelData) bool { return pd.State == data.StateDone })
	if len(pd.Annotations) != 0 {
		t.Fatalf("row panel received annotations: %+v", pd.Annotations)
	}
}
