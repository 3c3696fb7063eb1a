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

// Package dashboardquery runs the dashboard wide workers, merges their
// results and republishes the merge to per-panel subscribers. A new run
// always supersedes the previous one.
package dashboardquery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/annotations"
	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/events"
	"github.com/marcus-qen/dashquery/internal/metrics"
	"github.com/marcus-qen/dashquery/internal/telemetry"
	"github.com/marcus-qen/dashquery/internal/workers"
)

var (
	// ErrDestroyed is returned by operations on a destroyed runner.
	ErrDestroyed = errors.New("dashboard query runner destroyed")

	errSuperseded error = runAborted("run superseded")
	errCancelled  error = runAborted("run cancelled")
)

// runAborted is the context cause of a superseded or cancelled run. Worker
// requests failing with it are treated as cancellations, not errors.
type runAborted string

func (e runAborted) Error() string { return string(e) }

func (runAborted) Cancelled() bool { return true }

// Result is what one panel receives from the dashboard wide merge.
type Result struct {
	Annotations  []data.AnnotationEvent `json:"annotations"`
	AlertState   *data.AlertStateInfo   `json:"alertState,omitempty"`
	Correlations []data.Correlation     `json:"correlations,omitempty"`
}

// SnapshotApplier stores snapshot updates produced by workers.
type SnapshotApplier interface {
	ApplySnapshot(ctx context.Context, u dashboard.SnapshotUpdate) error
}

// modelApplier applies updates directly to the dashboard model.
type modelApplier struct{ model *dashboard.Model }

func (m modelApplier) ApplySnapshot(_ context.Context, u dashboard.SnapshotUpdate) error {
	if !m.model.ApplySnapshot(u) {
		return fmt.Errorf("no annotation named %q", u.AnnotationName)
	}
	return nil
}

// Config configures a Runner.
type Config struct {
	Dashboard *dashboard.Model
	Workers   []workers.Worker
	// Snapshots receives snapshot updates. Defaults to applying them to
	// Dashboard.
	Snapshots SnapshotApplier
	Logger    *zap.Logger
}

// Runner orchestrates the workers of one dashboard.
type Runner struct {
	dash      *dashboard.Model
	workers   []workers.Worker
	snapshots SnapshotApplier
	logger    *zap.Logger
	results   *events.Replay[workers.Result]

	base     context.Context
	stopBase context.CancelFunc

	mu          sync.Mutex
	seq         uint64
	cancelRun   context.CancelCauseFunc
	destroyed   bool
	stopRefresh context.CancelFunc
}

// New creates a Runner for one dashboard.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	snaps := cfg.Snapshots
	if snaps == nil && cfg.Dashboard != nil {
		snaps = modelApplier{model: cfg.Dashboard}
	}
	uid := ""
	if cfg.Dashboard != nil {
		uid = cfg.Dashboard.UID
	}
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		dash:      cfg.Dashboard,
		workers:   cfg.Workers,
		snapshots: snaps,
		logger:    logger.Named("dashboard-query").With(zap.String("dashboard", uid)),
		results:   events.NewReplay[workers.Result](),
		base:      base,
		stopBase:  stop,
	}
}

// Dashboard returns the dashboard the runner serves.
func (r *Runner) Dashboard() *dashboard.Model { return r.dash }

// Run starts a run with opts, superseding any run in flight. It returns
// immediately; the merged result is published once every eligible worker
// has finished.
func (r *Runner) Run(opts workers.Options) error {
	if opts.Dashboard == nil {
		opts.Dashboard = r.dash
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	if r.cancelRun != nil {
		r.cancelRun(errSuperseded)
	}
	r.seq++
	seq := r.seq
	ctx, cancel := context.WithCancelCause(r.base)
	r.cancelRun = cancel
	r.mu.Unlock()

	go r.execute(ctx, seq, opts)
	return nil
}

// Cancel aborts the run in flight and publishes an empty result without
// waiting for its workers.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	if r.cancelRun != nil {
		r.cancelRun(errCancelled)
		r.cancelRun = nil
	}
	r.seq++
	r.results.Publish(workers.Empty())
	r.publishEvent(events.RunCancelled, "run cancelled", "")
}

func (r *Runner) execute(ctx context.Context, seq uint64, opts workers.Options) {
	ctx, span := telemetry.StartRunSpan(ctx, r.uid(), seq)
	log := r.logger.With(zap.Uint64("run", seq))

	var eligible []workers.Worker
	for _, w := range r.workers {
		if w.CanWork(opts) {
			eligible = append(eligible, w)
		}
	}
	log.Debug("Starting run", zap.Int("workers", len(eligible)))

	results := make([]workers.Result, len(eligible))
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i, w := range eligible {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.work(ctx, w, opts)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.finishAborted(ctx, span, len(eligible), log)
		return
	}

	merged := workers.Empty()
	for _, res := range results {
		res.SnapshotUpdates = nil
		merged = merged.Concat(res)
	}

	r.mu.Lock()
	if seq != r.seq || ctx.Err() != nil {
		r.mu.Unlock()
		r.finishAborted(ctx, span, len(eligible), log)
		return
	}
	r.results.Publish(merged)
	r.mu.Unlock()

	metrics.RecordDashboardRun("merged")
	telemetry.EndRunSpan(span, "merged", len(eligible))
	r.publishEvent(events.ResultsMerged,
		fmt.Sprintf("%d annotations, %d alert states", len(merged.Annotations), len(merged.AlertStates)), "")
	log.Debug("Run merged",
		zap.Int("annotations", len(merged.Annotations)),
		zap.Int("alertStates", len(merged.AlertStates)),
		zap.Int("correlations", len(merged.Correlations)))
}

func (r *Runner) finishAborted(ctx context.Context, span trace.Span, n int, log *zap.Logger) {
	outcome := "superseded"
	if errors.Is(context.Cause(ctx), errCancelled) {
		outcome = "cancelled"
	}
	metrics.RecordDashboardRun(outcome)
	telemetry.EndRunSpan(span, outcome, n)
	log.Debug("Run discarded", zap.String("outcome", outcome))
}

// work runs one worker. Snapshot updates are applied as soon as the worker
// returns, even when its run has been superseded in the meantime.
func (r *Runner) work(ctx context.Context, w workers.Worker, opts workers.Options) (res workers.Result) {
	ctx, span := telemetry.StartWorkerSpan(ctx, w.Name())
	start := time.Now()
	outcome := "success"
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Worker panicked", zap.String("worker", w.Name()), zap.Any("panic", rec))
			res = workers.Empty()
			outcome = "panic"
		} else if ctx.Err() != nil {
			outcome = "cancelled"
		}
		metrics.RecordWorker(w.Name(), outcome, time.Since(start))
		telemetry.EndWorkerSpan(span, len(res.Annotations), len(res.AlertStates), len(res.Correlations))
	}()

	res = w.Work(ctx, opts)
	r.applySnapshots(context.WithoutCancel(ctx), res.SnapshotUpdates)
	return res
}

func (r *Runner) applySnapshots(ctx context.Context, updates []dashboard.SnapshotUpdate) {
	if r.snapshots == nil {
		return
	}
	for _, u := range updates {
		if err := r.snapshots.ApplySnapshot(ctx, u); err != nil {
			r.logger.Warn("Failed to apply snapshot update", zap.String("annotation", u.AnnotationName), zap.Error(err))
			continue
		}
		r.logger.Debug("Applied snapshot update", zap.String("annotation", u.AnnotationName), zap.Int("events", len(u.Events)))
	}
}

// Subscribe returns the per-panel projection of every merge, starting with
// the latest completed one. panelID 0 receives the dashboard wide view
// without an alert state. The channel is closed when ctx is done or the
// runner is destroyed.
func (r *Runner) Subscribe(ctx context.Context, panelID int64) <-chan Result {
	src := r.results.Subscribe(ctx)
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		for res := range src {
			select {
			case out <- Project(res, panelID):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Latest returns the projection of the latest completed merge.
func (r *Runner) Latest(panelID int64) (Result, bool) {
	res, ok := r.results.Latest()
	if !ok {
		return Result{}, false
	}
	return Project(res, panelID), true
}

// Project scopes a merged result to one panel: annotations visible on the
// panel, deduplicated, and the panel's alert state.
func Project(res workers.Result, panelID int64) Result {
	out := Result{
		Annotations:  annotations.Dedup(annotations.FilterByPanel(res.Annotations, panelID)),
		Correlations: res.Correlations,
	}
	if panelID == 0 {
		return out
	}
	for i := range res.AlertStates {
		if res.AlertStates[i].PanelID == panelID {
			state := res.AlertStates[i]
			out.AlertState = &state
			break
		}
	}
	return out
}

// Start re-runs on every refresh signal of the dashboard, with the
// dashboard's current time range, until ctx is done or the runner is
// destroyed.
func (r *Runner) Start(ctx context.Context) error {
	if r.dash == nil {
		return errors.New("dashboard query runner has no dashboard")
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	if r.stopRefresh != nil {
		r.stopRefresh()
	}
	id := "dashboard-query-runner-" + uuid.NewString()
	listenCtx, stop := context.WithCancel(ctx)
	r.stopRefresh = stop
	r.mu.Unlock()

	bus := r.dash.Events()
	sub := bus.Subscribe(id)
	go func() {
		defer bus.Unsubscribe(id)
		for {
			select {
			case <-listenCtx.Done():
				return
			case <-r.base.Done():
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				if evt.Type != events.DashboardRefresh {
					continue
				}
				r.refresh(evt.Summary)
			}
		}
	}()
	return nil
}

func (r *Runner) refresh(reason string) {
	tr, err := r.dash.TimeRange()
	if err != nil {
		r.logger.Warn("Cannot resolve dashboard time range", zap.Error(err))
		return
	}
	r.logger.Debug("Refresh requested", zap.String("reason", reason))
	if err := r.Run(workers.Options{Dashboard: r.dash, Range: tr}); err != nil && !errors.Is(err, ErrDestroyed) {
		r.logger.Warn("Refresh run failed", zap.Error(err))
	}
}

// Destroy cancels any run, stops listening for refreshes and closes every
// subscription.
func (r *Runner) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	if r.cancelRun != nil {
		r.cancelRun(errCancelled)
		r.cancelRun = nil
	}
	if r.stopRefresh != nil {
		r.stopRefresh()
	}
	r.seq++
	r.mu.Unlock()

	r.stopBase()
	r.results.Close()
	r.publishEvent(events.DashboardDestroyed, "dashboard closed", "")
}

func (r *Runner) publishEvent(t events.EventType, summary, detail string) {
	if r.dash == nil {
		return
	}
	r.dash.Events().Publish(events.Event{
		Type:         t,
		DashboardUID: r.dash.UID,
		Summary:      summary,
		Detail:       detail,
		Timestamp:    time.Now().UTC(),
	})
}

func (r *Runner) uid() string {
	if r.dash == nil {
		return ""
	}
	return r.dash.UID
}
