package datasource

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/grafana"
)

type fakeBackend struct {
	results   []grafana.QueryResult
	err       error
	items     []grafana.AnnotationItem
	lastAnno  grafana.AnnotationQuery
	lastReq   *data.Request
	requestID string
	settings  map[string]grafana.DatasourceSettings
}

func (f *fakeBackend) QueryData(ctx context.Context, req *data.Request) ([]grafana.QueryResult, error) {
	f.lastReq = req
	f.requestID = grafana.RequestIDFrom(ctx)
	return f.results, f.err
}

func (f *fakeBackend) Annotations(_ context.Context, q grafana.AnnotationQuery) ([]grafana.AnnotationItem, error) {
	f.lastAnno = q
	return f.items, f.err
}

func (f *fakeBackend) Datasource(_ context.Context, uid string) (grafana.DatasourceSettings, error) {
	s, ok := f.settings[uid]
	if !ok {
		return grafana.DatasourceSettings{}, &grafana.ClientError{Code: "not_found", Message: "missing"}
	}
	return s, nil
}

func collect(t *testing.T, run func(out chan<- data.ResponsePacket) error) ([]data.ResponsePacket, error) {
	t.Helper()
	out := make(chan data.ResponsePacket, 16)
	err := run(out)
	close(out)
	var packets []data.ResponsePacket
	for p := range out {
		packets = append(packets, p)
	}
	return packets, err
}

func TestHTTPDataSourceEmitsPacketPerRefID(t *testing.T) {
	backend := &fakeBackend{results: []grafana.QueryResult{
		{RefID: "A", Frames: []data.Frame{{Name: "a"}}},
		{RefID: "B", Status: 400, Error: "bad query"},
	}}
	ds := NewHTTPDataSource(grafana.DatasourceSettings{UID: "prom", Type: "prometheus"}, backend, nil)

	req := &data.Request{RequestID: "Q7", Targets: []data.DataQuery{{RefID: "A"}, {RefID: "B"}}}
	packets, err := collect(t, func(out chan<- data.ResponsePacket) error {
		return ds.Query(context.Background(), req, out)
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(packets) != 2 || packets[0].Key != "A" || packets[1].Key != "B" {
		t.Fatalf("unexpected packets %+v", packets)
	}
	if packets[1].Error == nil || packets[1].Error.Status != 400 || packets[1].Error.RefID != "B" {
		t.Fatalf("expected refId error, got %+v", packets[1].Error)
	}
	if backend.requestID != "Q7" {
		t.Fatalf("expected request id forwarded, got %q", backend.requestID)
	}
	if backend.lastReq.Datasource == nil || backend.lastReq.Datasource.UID != "prom" {
		t.Fatalf("expected datasource filled in, got %+v", backend.lastReq.Datasource)
	}
	if req.Datasource != nil {
		t.Fatal("caller request must not be mutated")
	}
}

func TestCapabilities(t *testing.T) {
	backend := &fakeBackend{}
	builtin := CapabilitiesOf(NewGrafanaDataSource(backend, nil))
	if !builtin.UsesLegacyRunner() {
		t.Fatal("built-in source should use the legacy runner")
	}
	httpCaps := CapabilitiesOf(NewHTTPDataSource(grafana.DatasourceSettings{UID: "loki"}, backend, nil))
	if httpCaps.UsesLegacyRunner() || httpCaps.Support == nil {
		t.Fatal("backend source should use the standard runner")
	}
}

func TestRegistryResolvesDefaultsAliasesAndLoader(t *testing.T) {
	backend := &fakeBackend{settings: map[string]grafana.DatasourceSettings{
		"loki": {UID: "loki", Name: "Loki", Type: "loki"},
	}}
	var loads int32
	base := NewGrafanaLoader(backend, nil)
	reg := NewRegistry(func(ctx context.Context, uid string) (DataSource, error) {
		atomic.AddInt32(&loads, 1)
		return base(ctx, uid)
	}, nil)

	prom := NewHTTPDataSource(grafana.DatasourceSettings{UID: "prom", Type: "prometheus"}, backend, nil)
	reg.Register(prom, "Prometheus")
	reg.SetDefault("prom")

	ctx := context.Background()
	if ds, err := reg.Get(ctx, nil); err != nil || ds.Ref().UID != "prom" {
		t.Fatalf("expected default prom, got %v %v", ds, err)
	}
	if ds, err := reg.Get(ctx, &data.DataSourceRef{UID: "Prometheus"}); err != nil || ds.Ref().UID != "prom" {
		t.Fatalf("expected name alias, got %v %v", ds, err)
	}
	if ds, err := reg.Get(ctx, &data.DataSourceRef{UID: "-- Grafana --"}); err != nil || ds.Ref().UID != data.GrafanaDataSourceUID {
		t.Fatalf("expected built-in source, got %v %v", ds, err)
	}
	if _, err := reg.Get(ctx, &data.DataSourceRef{UID: "loki"}); err != nil {
		t.Fatalf("load loki: %v", err)
	}
	if _, err := reg.Get(ctx, &data.DataSourceRef{UID: "loki"}); err != nil {
		t.Fatalf("cached loki: %v", err)
	}
	if got := atomic.LoadInt32(&loads); got != 2 {
		t.Fatalf("expected 2 loads (grafana, loki), got %d", got)
	}
	if _, err := reg.Get(ctx, &data.DataSourceRef{UID: "missing"}); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestRegistryWithoutLoader(t *testing.T) {
	reg := NewRegistry(nil, nil)
	_, err := reg.Get(context.Background(), &data.DataSourceRef{UID: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = reg.Get(context.Background(), nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound without default, got %v", err)
	}
}

type countingSource struct {
	calls int32
}

func (c *countingSource) Ref() data.DataSourceRef { return data.DataSourceRef{UID: "count"} }
func (c *countingSource) Query(context.Context, *data.Request, chan<- data.ResponsePacket) error {
	return nil
}
func (c *countingSource) AnnotationSupport() *AnnotationSupport {
	atomic.AddInt32(&c.calls, 1)
	return &AnnotationSupport{}
}

func TestRegistryCachesCapabilities(t *testing.T) {
	reg := NewRegistry(nil, nil)
	src := &countingSource{}
	reg.Register(src)
	for i := 0; i < 3; i++ {
		reg.Capabilities(src)
	}
	if got := atomic.LoadInt32(&src.calls); got != 1 {
		t.Fatalf("expected capabilities computed once, got %d", got)
	}
}

func TestGrafanaAnnotationQueryDashboardScope(t *testing.T) {
	backend := &fakeBackend{items: []grafana.AnnotationItem{
		{ID: "1", Time: 100, Text: "deploy", Tags: []string{"x"}, PanelID: 2},
		{ID: "2", Time: 200, AlertID: 9, PanelID: 3, AlertName: "cpu", NewState: "alerting"},
	}}
	ds := NewGrafanaDataSource(backend, nil)
	now := time.Now()
	evts, err := ds.AnnotationQuery(context.Background(), LegacyAnnotationOptions{
		Range:        data.RelativeRange(now, time.Hour, "now-1h"),
		Annotation:   dashboard.AnnotationDescriptor{Name: "Annotations & Alerts", Type: "dashboard", BuiltIn: 1},
		DashboardUID: "ops",
	})
	if err != nil {
		t.Fatalf("annotation query: %v", err)
	}
	if backend.lastAnno.DashboardUID != "ops" || backend.lastAnno.Limit != defaultAnnotationLimit {
		t.Fatalf("unexpected query %+v", backend.lastAnno)
	}
	if len(evts) != 2 || evts[1].EventType != data.EventTypePanelAlert || evts[1].Title != "cpu" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestGrafanaAnnotationQueryTagsWithoutTagsIsEmpty(t *testing.T) {
	backend := &fakeBackend{items: []grafana.AnnotationItem{{ID: "1"}}}
	ds := NewGrafanaDataSource(backend, nil)
	evts, err := ds.AnnotationQuery(context.Background(), LegacyAnnotationOptions{
		Annotation: dashboard.AnnotationDescriptor{Name: "tagged", Target: map[string]any{"type": "tags"}},
	})
	if err != nil || len(evts) != 0 {
		t.Fatalf("expected empty result, got %v %v", evts, err)
	}

	evts, err = ds.AnnotationQuery(context.Background(), LegacyAnnotationOptions{
		Annotation: dashboard.AnnotationDescriptor{Name: "tagged", Target: map[string]any{
			"type": "tags", "tags": []any{"deploy", "prod"}, "matchAny": true, "limit": float64(5),
		}},
	})
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one event, got %v %v", evts, err)
	}
	if len(backend.lastAnno.Tags) != 2 || !backend.lastAnno.MatchAny || backend.lastAnno.Limit != 5 {
		t.Fatalf("unexpected query %+v", backend.lastAnno)
	}
}
