package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/metrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(BackendSQLite, filepath.Join(t.TempDir(), "snapshots.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testModel() *dashboard.Model {
	return &dashboard.Model{
		UID: "d1",
		Annotations: dashboard.AnnotationList{List: []dashboard.AnnotationDescriptor{
			{Name: "Deploys", Enable: true},
			{Name: "Incidents", Enable: true},
		}},
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.SnapshotUpdatesTotal.WithLabelValues(BackendSQLite))
	if err := s.Save(ctx, dashboard.SnapshotUpdate{
		DashboardUID:   "d1",
		AnnotationName: "Deploys",
		Events:         []data.AnnotationEvent{{Time: 1, Text: "v1"}},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, dashboard.SnapshotUpdate{
		DashboardUID:   "d1",
		AnnotationName: "Deploys",
		Events:         []data.AnnotationEvent{{Time: 2, Text: "v2"}, {Time: 3, Text: "v3"}},
	}); err != nil {
		t.Fatalf("Save (replace): %v", err)
	}
	if got := testutil.ToFloat64(metrics.SnapshotUpdatesTotal.WithLabelValues(BackendSQLite)) - before; got != 2 {
		t.Fatalf("expected 2 recorded updates, got %v", got)
	}

	updates, err := s.Load(ctx, "d1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(updates) != 1 || len(updates[0].Events) != 2 || updates[0].Events[0].Text != "v2" {
		t.Fatalf("unexpected updates %+v", updates)
	}

	if other, err := s.Load(ctx, "d2"); err != nil || len(other) != 0 {
		t.Fatalf("expected nothing for d2, got %+v %v", other, err)
	}
}

func TestApplierAppliesAndPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := testModel()

	a := s.Applier(m)
	if err := a.ApplySnapshot(ctx, dashboard.SnapshotUpdate{
		DashboardUID:   "d1",
		AnnotationName: "Incidents",
		Events:         []data.AnnotationEvent{{Time: 9, Text: "outage"}},
	}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if !m.AnnotationDescriptors()[1].HasSnapshotData() {
		t.Fatal("snapshot data not applied to model")
	}

	if err := a.ApplySnapshot(ctx, dashboard.SnapshotUpdate{DashboardUID: "d1", AnnotationName: "Missing"}); err == nil {
		t.Fatal("expected error for unknown annotation")
	}
	updates, err := s.Load(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 {
		t.Fatalf("unknown annotation must not be stored, got %+v", updates)
	}
}

func TestReplayIntoFreshModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, u := range []dashboard.SnapshotUpdate{
		{DashboardUID: "d1", AnnotationName: "Deploys", Events: []data.AnnotationEvent{{Time: 1}}},
		{DashboardUID: "d1", AnnotationName: "Removed", Events: []data.AnnotationEvent{{Time: 2}}},
	} {
		if err := s.Save(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	m := testModel()
	n, err := s.Replay(ctx, m)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 applied update, got %d", n)
	}
	descs := m.AnnotationDescriptors()
	if !descs[0].HasSnapshotData() || descs[1].HasSnapshotData() {
		t.Fatalf("unexpected snapshot state %+v", descs)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, dashboard.SnapshotUpdate{DashboardUID: "d1", AnnotationName: "Deploys"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	updates, err := s.Load(ctx, "d1")
	if err != nil || len(updates) != 0 {
		t.Fatalf("expected no updates after delete, got %+v %v", updates, err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open("redis", "", nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(BackendMySQL, "not a dsn", nil); err == nil {
		t.Fatal("expected error for malformed mysql dsn")
	}
}

func TestRebindNumbersPlaceholdersForPostgres(t *testing.T) {
	s := &Store{backend: BackendPostgres}
	if got := s.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("got %q", got)
	}
	s.backend = BackendSQLite
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("got %q", got)
	}
}
