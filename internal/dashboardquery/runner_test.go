/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dashboardquery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcus-qen/dashquery/internal/annotations"
	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/datasource"
	"github.com/marcus-qen/dashquery/internal/grafana"
	"github.com/marcus-qen/dashquery/internal/inflight"
	"github.com/marcus-qen/dashquery/internal/query"
	"github.com/marcus-qen/dashquery/internal/workers"
)

// fakeWorker returns scripted results. Calls with a gate block until the
// gate is closed, ignoring cancellation, like a request that resolves late.
type fakeWorker struct {
	name       string
	ineligible bool
	panics     bool
	results    map[int32]workers.Result
	fallback   workers.Result
	gates      map[int32]chan struct{}
	calls      atomic.Int32
}

func (w *fakeWorker) Name() string                 { return w.name }
func (w *fakeWorker) CanWork(workers.Options) bool { return !w.ineligible }

func (w *fakeWorker) Work(_ context.Context, _ workers.Options) workers.Result {
	n := w.calls.Add(1)
	if w.panics {
		panic("worker exploded")
	}
	if g, ok := w.gates[n]; ok {
		<-g
	}
	if r, ok := w.results[n]; ok {
		return r
	}
	return w.fallback
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Error(_ context.Context, title string, _ error) {
	n.mu.Lock()
	n.titles = append(n.titles, title)
	n.mu.Unlock()
}

func (n *recordingNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

// pendingRules blocks its first lookup until the run is aborted and reports
// a firing rule on panel 1 afterwards.
type pendingRules struct {
	started chan struct{}
	calls   atomic.Int32
}

func (c *pendingRules) RulesForDashboard(ctx context.Context, _ string) (grafana.RulesResponse, error) {
	if c.calls.Add(1) == 1 {
		close(c.started)
		<-ctx.Done()
		return grafana.RulesResponse{}, context.Cause(ctx)
	}
	var resp grafana.RulesResponse
	resp.Status = "success"
	resp.Data.Groups = []grafana.RuleGroup{{Name: "g", Rules: []grafana.Rule{{
		Name: "cpu", Type: "alerting", State: "firing",
		Annotations: map[string]string{workers.PanelIDAnnotation: "1"},
	}}}}
	return resp, nil
}

type recordingApplier struct {
	mu      sync.Mutex
	updates []dashboard.SnapshotUpdate
}

func (a *recordingApplier) ApplySnapshot(_ context.Context, u dashboard.SnapshotUpdate) error {
	a.mu.Lock()
	a.updates = append(a.updates, u)
	a.mu.Unlock()
	return nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.updates)
}

func annotated(texts ...string) workers.Result {
	res := workers.Empty()
	for i, t := range texts {
		res.Annotations = append(res.Annotations, data.AnnotationEvent{Time: int64(i + 1), Text: t})
	}
	return res
}

func texts(res Result) []string {
	out := []string{}
	for _, e := range res.Annotations {
		out = append(out, e.Text)
	}
	return out
}

func liveOptions(d *dashboard.Model) workers.Options {
	return workers.Options{Dashboard: d, Range: data.RelativeRange(time.Now(), time.Hour, "now-1h")}
}

var _ = Describe("DashboardQueryRunner", func() {
	var (
		dash   *dashboard.Model
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		dash = &dashboard.Model{ID: 1, UID: "ops"}
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(func() { cancel() })
	})

	newRunner := func(ws ...workers.Worker) *Runner {
		r := New(Config{Dashboard: dash, Workers: ws})
		DeferCleanup(r.Destroy)
		return r
	}

	It("merges every eligible worker in registration order", func() {
		first := &fakeWorker{name: "first", fallback: annotated("a")}
		second := &fakeWorker{name: "second", fallback: workers.Result{
			Annotations: []data.AnnotationEvent{{Time: 9, Text: "b"}},
			AlertStates: []data.AlertStateInfo{{ID: 1, PanelID: 1, State: data.AlertStateAlerting}},
		}}
		skipped := &fakeWorker{name: "skipped", ineligible: true, fallback: annotated("c")}
		r := newRunner(first, second, skipped)

		Expect(r.Run(liveOptions(dash))).To(Succeed())

		var res Result
		Eventually(r.Subscribe(ctx, 1)).Should(Receive(&res))
		Expect(texts(res)).To(Equal([]string{"a", "b"}))
		Expect(res.AlertState).NotTo(BeNil())
		Expect(res.AlertState.State).To(Equal(data.AlertStateAlerting))
		Expect(skipped.calls.Load()).To(BeZero())
	})

	It("replays the latest merge to late subscribers", func() {
		r := newRunner(&fakeWorker{name: "w", fallback: annotated("done")})
		Expect(r.Run(liveOptions(dash))).To(Succeed())
		Eventually(func() bool { _, ok := r.Latest(1); return ok }).Should(BeTrue())

		time.Sleep(200 * time.Millisecond)
		var res Result
		Eventually(r.Subscribe(ctx, 1), 50*time.Millisecond).Should(Receive(&res))
		Expect(texts(res)).To(Equal([]string{"done"}))
	})

	It("lets the last run win", func() {
		gate := make(chan struct{})
		w := &fakeWorker{
			name:    "slow",
			gates:   map[int32]chan struct{}{1: gate},
			results: map[int32]workers.Result{1: annotated("first"), 2: annotated("second")},
		}
		r := newRunner(w)

		Expect(r.Run(liveOptions(dash))).To(Succeed())
		Eventually(w.calls.Load).Should(BeEquivalentTo(1))
		Expect(r.Run(liveOptions(dash))).To(Succeed())

		var res Result
		Eventually(r.Subscribe(ctx, 1)).Should(Receive(&res))
		Expect(texts(res)).To(Equal([]string{"second"}))

		close(gate)
		Consistently(func() []string { res, _ := r.Latest(1); return texts(res) }, 200*time.Millisecond).
			Should(Equal([]string{"second"}))
		Expect(w.calls.Load()).To(BeEquivalentTo(2))
	})

	It("publishes an empty result on cancel and drops the cancelled run", func() {
		gate := make(chan struct{})
		w := &fakeWorker{name: "slow", gates: map[int32]chan struct{}{1: gate}, fallback: annotated("late")}
		r := newRunner(w)

		Expect(r.Run(liveOptions(dash))).To(Succeed())
		Eventually(w.calls.Load).Should(BeEquivalentTo(1))
		r.Cancel()

		var res Result
		Eventually(r.Subscribe(ctx, 1)).Should(Receive(&res))
		Expect(res.Annotations).To(BeEmpty())

		close(gate)
		Consistently(func() []string { res, _ := r.Latest(1); return texts(res) }, 200*time.Millisecond).
			Should(BeEmpty())
	})

	It("isolates a failing worker from its siblings", func() {
		r := newRunner(
			&fakeWorker{name: "broken", panics: true},
			&fakeWorker{name: "healthy", fallback: annotated("ok")},
		)
		Expect(r.Run(liveOptions(dash))).To(Succeed())

		var res Result
		Eventually(r.Subscribe(ctx, 1)).Should(Receive(&res))
		Expect(texts(res)).To(Equal([]string{"ok"}))
	})

	It("publishes an empty result when no worker is eligible", func() {
		r := newRunner(&fakeWorker{name: "off", ineligible: true})
		Expect(r.Run(liveOptions(dash))).To(Succeed())

		var res Result
		Eventually(r.Subscribe(ctx, 1)).Should(Receive(&res))
		Expect(res.Annotations).To(BeEmpty())
		Expect(res.AlertState).To(BeNil())
	})

	It("projects results per panel without duplicates", func() {
		scoped := &data.AnnotationSource{Name: "Annotations & Alerts", Type: data.SourceTypeDashboard}
		wide := &data.AnnotationSource{Name: "deploys"}
		w := &fakeWorker{name: "w", fallback: workers.Result{
			Annotations: []data.AnnotationEvent{
				{Time: 1, Text: "on panel 1", PanelID: 1, Source: scoped},
				{Time: 2, Text: "on panel 2", PanelID: 2, Source: scoped},
				{Time: 3, Text: "deploy", Tags: []string{"prod"}, Source: wide},
				{Time: 3, Text: "deploy", Tags: []string{"prod"}, Source: wide},
			},
			AlertStates: []data.AlertStateInfo{{PanelID: 1, State: data.AlertStateOK}, {PanelID: 2, State: data.AlertStatePending}},
		}}
		r := newRunner(w)
		Expect(r.Run(liveOptions(dash))).To(Succeed())

		var res Result
		Eventually(r.Subscribe(ctx, 2)).Should(Receive(&res))
		Expect(texts(res)).To(Equal([]string{"on panel 2", "deploy"}))
		Expect(res.AlertState.State).To(Equal(data.AlertStatePending))

		whole, ok := r.Latest(0)
		Expect(ok).To(BeTrue())
		Expect(whole.AlertState).To(BeNil())
		Expect(texts(whole)).To(Equal([]string{"deploy"}))
	})

	It("re-runs on the dashboard refresh signal", func() {
		w := &fakeWorker{name: "w", fallback: annotated("refreshed")}
		r := newRunner(w)
		Expect(r.Start(ctx)).To(Succeed())

		dash.RequestRefresh("interval")
		Eventually(w.calls.Load).Should(BeEquivalentTo(1))
		Eventually(func() bool { _, ok := r.Latest(1); return ok }).Should(BeTrue())

		dash.SetTimeRange(data.RawTimeRange{From: "now-1h", To: "now"})
		Consistently(w.calls.Load, 100*time.Millisecond).Should(BeEquivalentTo(1))
	})

	It("applies snapshot updates of superseded runs", func() {
		gate := make(chan struct{})
		update := dashboard.SnapshotUpdate{DashboardUID: "ops", AnnotationName: "deploys", Events: []data.AnnotationEvent{{Time: 1}}}
		first := annotated("stale")
		first.SnapshotUpdates = []dashboard.SnapshotUpdate{update}
		w := &fakeWorker{
			name:    "annotations",
			gates:   map[int32]chan struct{}{1: gate},
			results: map[int32]workers.Result{1: first, 2: annotated("fresh")},
		}
		applier := &recordingApplier{}
		r := New(Config{Dashboard: dash, Workers: []workers.Worker{w}, Snapshots: applier})
		DeferCleanup(r.Destroy)

		Expect(r.Run(liveOptions(dash))).To(Succeed())
		Eventually(w.calls.Load).Should(BeEquivalentTo(1))
		Expect(r.Run(liveOptions(dash))).To(Succeed())
		close(gate)

		Eventually(applier.count).Should(Equal(1))
		Consistently(func() []string { res, _ := r.Latest(1); return texts(res) }, 100*time.Millisecond).
			Should(Equal([]string{"fresh"}))
	})

	It("closes subscriptions on destroy", func() {
		r := New(Config{Dashboard: dash})
		sub := r.Subscribe(ctx, 1)
		r.Destroy()

		Eventually(sub).Should(BeClosed())
		Expect(r.Run(liveOptions(dash))).To(MatchError(ErrDestroyed))
	})

	It("returns the union of legacy and standard annotation sources", func() {
		reg := datasource.NewRegistry(nil, nil)
		reg.Register(&legacySource{})
		reg.Register(&standardSource{})
		sel := annotations.NewSelector(reg,
			annotations.NewLegacyRunner(nil, nil),
			annotations.NewStandardRunner(query.NewRunner(nil), 0, nil, nil),
		)
		dash.Annotations.List = []dashboard.AnnotationDescriptor{
			{Name: "legacy", Enable: true, Datasource: &data.DataSourceRef{UID: "graphite"}},
			{Name: "standard", Enable: true, Datasource: &data.DataSourceRef{UID: "loki"}, Target: map[string]any{"expr": "{}"}},
		}
		r := newRunner(workers.NewAnnotationsWorker(reg, sel, 0, nil, nil))
		Expect(r.Run(liveOptions(dash))).To(Succeed())

		var res Result
		Eventually(r.Subscribe(ctx, 1)).Should(Receive(&res))
		Expect(texts(res)).To(ConsistOf("from graphite", "from loki"))
		for _, e := range res.Annotations {
			Expect(e.Source).NotTo(BeNil())
			Expect(e.Source.Name).To(Equal(e.Type))
		}
	})

	Context("with a Grafana backend", func() {
		var (
			notifier *recordingNotifier
			started  chan struct{}
			blocking atomic.Bool
			client   *grafana.HTTPClient
		)

		BeforeEach(func() {
			notifier = &recordingNotifier{}
			started = make(chan struct{}, 8)
			blocking.Store(true)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if blocking.Load() {
					started <- struct{}{}
					<-r.Context().Done()
					return
				}
				fmt.Fprint(w, `[{"id":1,"dashboardId":1,"panelId":1,"state":"alerting"}]`)
			}))
			DeferCleanup(srv.Close)
			client = grafana.NewHTTPClient(grafana.ClientConfig{BaseURL: srv.URL, Tracker: inflight.New(0)})
			dash.Panels = []dashboard.Panel{{ID: 1, Alert: &dashboard.LegacyAlert{Name: "cpu"}}}
		})

		It("keeps superseded and cancelled requests silent", func() {
			r := newRunner(workers.NewAlertStatesWorker(client, notifier, nil))

			Expect(r.Run(liveOptions(dash))).To(Succeed())
			Eventually(started).Should(Receive())
			blocking.Store(false)
			Expect(r.Run(liveOptions(dash))).To(Succeed())

			Eventually(func() *data.AlertStateInfo { res, _ := r.Latest(1); return res.AlertState }).
				ShouldNot(BeNil())

			blocking.Store(true)
			Expect(r.Run(liveOptions(dash))).To(Succeed())
			Eventually(started).Should(Receive())
			r.Cancel()

			Consistently(notifier.Titles, 200*time.Millisecond).Should(BeEmpty())
		})
	})

	It("keeps unified alert states when a run supersedes a pending lookup", func() {
		rules := &pendingRules{started: make(chan struct{})}
		notifier := &recordingNotifier{}
		r := newRunner(workers.NewUnifiedAlertStatesWorker(rules, workers.Permissions{workers.ActionAlertRulesRead}, notifier, nil))

		Expect(r.Run(liveOptions(dash))).To(Succeed())
		Eventually(rules.started).Should(BeClosed())
		Expect(r.Run(liveOptions(dash))).To(Succeed())

		Eventually(func() *data.AlertStateInfo { res, _ := r.Latest(1); return res.AlertState }).
			ShouldNot(BeNil())
		res, _ := r.Latest(1)
		Expect(res.AlertState.State).To(Equal(data.AlertStateAlerting))
		Expect(rules.calls.Load()).To(BeEquivalentTo(2))
		Expect(notifier.Titles()).To(BeEmpty())
	})
})

type legacySource struct{}

func (legacySource) Ref() data.DataSourceRef { return data.DataSourceRef{UID: "graphite"} }
func (legacySource) Query(context.Context, *data.Request, chan<- data.ResponsePacket) error {
	return nil
}
func (legacySource) AnnotationQuery(context.Context, datasource.LegacyAnnotationOptions) ([]data.AnnotationEvent, error) {
	return []data.AnnotationEvent{{Time: 10, Text: "from graphite"}}, nil
}

type standardSource struct{}

func (standardSource) Ref() data.DataSourceRef { return data.DataSourceRef{UID: "loki"} }
func (standardSource) Query(ctx context.Context, _ *data.Request, out chan<- data.ResponsePacket) error {
	return datasource.Send(ctx, out, data.ResponsePacket{Data: []data.Frame{{Fields: []data.Field{
		{Name: "time", Type: data.FieldTypeTime, Values: []any{float64(20)}},
		{Name: "text", Type: data.FieldTypeString, Values: []any{"from loki"}},
	}}}})
}
func (standardSource) AnnotationSupport() *datasource.AnnotationSupport {
	return &datasource.AnnotationSupport{}
}
