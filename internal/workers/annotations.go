package workers

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marcus-qen/dashquery/internal/annotations"
	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/datasource"
	"github.com/marcus-qen/dashquery/internal/notify"
)

// DefaultMaxConcurrentQueries bounds parallel annotation queries per run.
const DefaultMaxConcurrentQueries = 4

// Resolver resolves data source references.
type Resolver interface {
	Get(ctx context.Context, ref *data.DataSourceRef) (datasource.DataSource, error)
}

// AnnotationsWorker runs the live annotation queries of a dashboard.
type AnnotationsWorker struct {
	resolver      Resolver
	selector      *annotations.Selector
	notifier      notify.Notifier
	logger        *zap.Logger
	maxConcurrent int
}

// NewAnnotationsWorker creates an AnnotationsWorker. maxConcurrent <= 0
// selects DefaultMaxConcurrentQueries.
func NewAnnotationsWorker(resolver Resolver, selector *annotations.Selector, maxConcurrent int, notifier notify.Notifier, logger *zap.Logger) *AnnotationsWorker {
	n, l := defaults(notifier, logger, "annotations")
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentQueries
	}
	return &AnnotationsWorker{resolver: resolver, selector: selector, notifier: n, logger: l, maxConcurrent: maxConcurrent}
}

func (w *AnnotationsWorker) Name() string { return "annotations" }

// CanWork requires an enabled descriptor without snapshot data.
func (w *AnnotationsWorker) CanWork(opts Options) bool {
	return len(liveDescriptors(opts.Dashboard)) > 0
}

func liveDescriptors(d *dashboard.Model) []dashboard.AnnotationDescriptor {
	if d == nil {
		return nil
	}
	var out []dashboard.AnnotationDescriptor
	for _, a := range d.AnnotationDescriptors() {
		if a.Enable && !a.HasSnapshotData() {
			out = append(out, a)
		}
	}
	return out
}

type descriptorResult struct {
	events   []data.AnnotationEvent
	snapshot *dashboard.SnapshotUpdate
}

// Work queries every live descriptor concurrently. A failing descriptor
// contributes nothing and never affects the others. Results keep descriptor
// order.
func (w *AnnotationsWorker) Work(ctx context.Context, opts Options) Result {
	descs := liveDescriptors(opts.Dashboard)
	res := Empty()
	if len(descs) == 0 {
		return res
	}

	snapshotting := opts.Dashboard.Snapshotting()
	results := make([]descriptorResult, len(descs))

	var g errgroup.Group
	g.SetLimit(w.maxConcurrent)
	for i, a := range descs {
		g.Go(func() error {
			results[i] = w.runOne(ctx, opts, a, snapshotting)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		res.Annotations = append(res.Annotations, r.events...)
		if r.snapshot != nil {
			res.SnapshotUpdates = append(res.SnapshotUpdates, *r.snapshot)
		}
	}
	return res
}

func (w *AnnotationsWorker) runOne(ctx context.Context, opts Options, a dashboard.AnnotationDescriptor, snapshotting bool) (out descriptorResult) {
	log := w.logger.With(zap.String("annotation", a.Name))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Annotation query panicked", zap.Any("panic", rec))
			w.notifier.Error(ctx, fmt.Sprintf("Annotation query %q failed", a.Name), fmt.Errorf("panic: %v", rec))
			out = descriptorResult{}
		}
	}()

	ref := a.Datasource
	if ref == nil && a.IsBuiltIn() {
		ref = &data.DataSourceRef{UID: data.GrafanaDataSourceUID, Type: data.GrafanaDataSourceUID}
	}
	ds, err := w.resolver.Get(ctx, ref)
	if err != nil {
		reportError(ctx, w.notifier, log, fmt.Sprintf("Annotation data source for %q unavailable", a.Name), err)
		return out
	}

	runner := w.selector.Select(ds)
	if runner == nil {
		log.Warn("No annotation runner for data source", zap.String("datasource", ds.Ref().UID))
		return out
	}

	raw := runner.Run(ctx, annotations.RunOptions{
		Datasource: ds,
		Annotation: a,
		Dashboard:  opts.Dashboard,
		Range:      opts.Range,
	})
	if snapshotting {
		out.snapshot = &dashboard.SnapshotUpdate{
			DashboardUID:   opts.Dashboard.UID,
			AnnotationName: a.Name,
			Events:         data.CloneEvents(raw),
		}
	}
	out.events = annotations.Translate(a.Source(), raw)
	log.Debug("Annotation query done", zap.String("runner", runner.Name()), zap.Int("events", len(raw)))
	return out
}
