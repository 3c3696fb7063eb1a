package annotations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/datasource"
	"github.com/marcus-qen/dashquery/internal/metrics"
	"github.com/marcus-qen/dashquery/internal/notify"
	"github.com/marcus-qen/dashquery/internal/query"
)

// AnnoRefID is the refId of the single target of a standard annotation query.
const AnnoRefID = "Anno"

// RunOptions describes one annotation query.
type RunOptions struct {
	Datasource datasource.DataSource
	Annotation dashboard.AnnotationDescriptor
	Dashboard  *dashboard.Model
	Range      data.TimeRange
}

// Runner executes an annotation query on a data source. Run never fails:
// errors are reported and an empty result is returned.
type Runner interface {
	Name() string
	CanRun(caps datasource.Capabilities) bool
	Run(ctx context.Context, opts RunOptions) []data.AnnotationEvent
}

// LegacyRunner delegates to the data source's legacy annotation query.
type LegacyRunner struct {
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewLegacyRunner creates a LegacyRunner.
func NewLegacyRunner(notifier notify.Notifier, logger *zap.Logger) *LegacyRunner {
	if notifier == nil {
		notifier = notify.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LegacyRunner{notifier: notifier, logger: logger.Named("legacy-annotations")}
}

func (r *LegacyRunner) Name() string { return "legacy" }

// CanRun reports whether caps select the legacy API.
func (r *LegacyRunner) CanRun(caps datasource.Capabilities) bool {
	return caps.UsesLegacyRunner()
}

func (r *LegacyRunner) Run(ctx context.Context, opts RunOptions) []data.AnnotationEvent {
	legacy, ok := opts.Datasource.(datasource.LegacyAnnotator)
	if !ok {
		return nil
	}

	lo := datasource.LegacyAnnotationOptions{
		Range:      opts.Range,
		RangeRaw:   opts.Range.Raw,
		Annotation: opts.Annotation,
	}
	if opts.Dashboard != nil {
		lo.DashboardUID = opts.Dashboard.UID
		lo.DashboardID = opts.Dashboard.ID
	}

	events, err := legacy.AnnotationQuery(ctx, lo)
	if err != nil {
		report(ctx, r.notifier, r.logger, r.Name(), opts.Annotation.Name, err)
		return nil
	}
	metrics.RecordAnnotationQuery(r.Name(), "success")
	return events
}

// StandardRunner runs annotation queries through the generic query pipeline.
type StandardRunner struct {
	queries       *query.Runner
	notifier      notify.Notifier
	logger        *zap.Logger
	maxDataPoints int64
	seq           atomic.Uint64
	now           func() time.Time
}

// NewStandardRunner creates a StandardRunner. maxDataPoints <= 0 selects
// query.DefaultMaxDataPoints.
func NewStandardRunner(queries *query.Runner, maxDataPoints int64, notifier notify.Notifier, logger *zap.Logger) *StandardRunner {
	if notifier == nil {
		notifier = notify.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxDataPoints <= 0 {
		maxDataPoints = query.DefaultMaxDataPoints
	}
	return &StandardRunner{
		queries:       queries,
		notifier:      notifier,
		logger:        logger.Named("annotations"),
		maxDataPoints: maxDataPoints,
		now:           time.Now,
	}
}

func (r *StandardRunner) Name() string { return "standard" }

// CanRun is the complement of the legacy runner's eligibility.
func (r *StandardRunner) CanRun(caps datasource.Capabilities) bool {
	return !caps.UsesLegacyRunner()
}

func (r *StandardRunner) Run(ctx context.Context, opts RunOptions) []data.AnnotationEvent {
	support := &datasource.AnnotationSupport{}
	if p, ok := opts.Datasource.(datasource.AnnotationProvider); ok && p.AnnotationSupport() != nil {
		support = p.AnnotationSupport()
	}

	anno := opts.Annotation.Clone()
	if support.PrepareAnnotation != nil {
		anno = support.PrepareAnnotation(anno)
	} else {
		anno = prepareAnnotation(anno)
	}

	var q *data.DataQuery
	if support.PrepareQuery != nil {
		q = support.PrepareQuery(anno)
	} else {
		q = prepareQuery(anno)
	}
	if q == nil {
		return nil
	}

	req := r.buildRequest(opts, anno, *q)
	var last data.PanelData
	for pd := range r.queries.Run(ctx, opts.Datasource, req) {
		last = pd
	}
	if err := ctx.Err(); err != nil {
		report(ctx, r.notifier, r.logger, r.Name(), anno.Name, err)
		return nil
	}
	if last.Error != nil {
		report(ctx, r.notifier, r.logger, r.Name(), anno.Name, last.Error)
		return nil
	}

	frames := make([]data.Frame, 0, len(last.Series)+len(last.Annotations))
	for _, f := range last.Series {
		frames = append(frames, f.WithTopic(data.TopicAnnotations))
	}
	frames = append(frames, last.Annotations...)

	var events []data.AnnotationEvent
	var err error
	if support.ProcessEvents != nil {
		events, err = support.ProcessEvents(anno, frames)
	}
	if events == nil && err == nil {
		events, err = FramesToEvents(frames, anno.Mappings)
	}
	if err != nil {
		report(ctx, r.notifier, r.logger, r.Name(), anno.Name, err)
		return nil
	}
	metrics.RecordAnnotationQuery(r.Name(), "success")
	return events
}

func (r *StandardRunner) buildRequest(opts RunOptions, anno dashboard.AnnotationDescriptor, q data.DataQuery) *data.Request {
	ref := opts.Datasource.Ref()
	q.RefID = AnnoRefID
	if q.Datasource == nil {
		q.Datasource = &ref
	}

	intervalMs, interval := query.CalculateInterval(opts.Range, r.maxDataPoints, 0)
	req := &data.Request{
		RequestID:     fmt.Sprintf("AQ%d", r.seq.Add(1)),
		Datasource:    &ref,
		Targets:       []data.DataQuery{q},
		Range:         opts.Range,
		Interval:      interval,
		IntervalMs:    intervalMs,
		MaxDataPoints: r.maxDataPoints,
		App:           data.AppDashboard,
		StartTime:     r.now(),
		ScopedVars: map[string]data.ScopedVar{
			"__interval":    {Text: interval, Value: interval},
			"__interval_ms": {Text: fmt.Sprint(intervalMs), Value: intervalMs},
			"__annotation":  {Text: anno.Name, Value: anno},
		},
	}
	if opts.Dashboard != nil {
		req.DashboardUID = opts.Dashboard.UID
		req.Timezone = opts.Dashboard.Timezone
	}
	return req
}

// prepareAnnotation moves the legacy query fields of a descriptor into its
// target when it has none.
func prepareAnnotation(a dashboard.AnnotationDescriptor) dashboard.AnnotationDescriptor {
	if a.Target != nil {
		return a
	}
	target := map[string]any{}
	if a.Query != "" {
		target["query"] = a.Query
	}
	if a.Expr != "" {
		target["expr"] = a.Expr
	}
	if len(a.Tags) > 0 {
		target["tags"] = append([]string(nil), a.Tags...)
	}
	if a.Limit > 0 {
		target["limit"] = a.Limit
	}
	if a.MatchAny {
		target["matchAny"] = true
	}
	if a.Type != "" {
		target["type"] = a.Type
	}
	a.Target = target
	return a
}

func prepareQuery(a dashboard.AnnotationDescriptor) *data.DataQuery {
	if a.Target == nil {
		return nil
	}
	model := make(map[string]any, len(a.Target))
	for k, v := range a.Target {
		if k == "refId" || k == "datasource" {
			continue
		}
		model[k] = v
	}
	return &data.DataQuery{RefID: AnnoRefID, Datasource: a.Datasource, Model: model}
}

// structuralError is implemented by transport errors flagging a contract
// violation rather than a transient failure.
type structuralError interface {
	Structural() bool
}

func isStructural(err error) bool {
	if errors.Is(err, ErrMalformedFrame) {
		return true
	}
	var se structuralError
	return errors.As(err, &se) && se.Structural()
}

// report records a failed annotation query. Cancellations are dropped
// silently; everything else reaches the notifier.
func report(ctx context.Context, n notify.Notifier, logger *zap.Logger, runner, name string, err error) {
	log := logger.With(zap.String("annotation", name))
	switch {
	case data.IsCancelled(err) || ctx.Err() != nil:
		metrics.RecordAnnotationQuery(runner, "cancelled")
		log.Debug("Annotation query cancelled")
		return
	case isStructural(err):
		metrics.RecordAnnotationQuery(runner, "structural")
		log.Error("Annotation query returned malformed data", zap.Error(err))
	default:
		metrics.RecordAnnotationQuery(runner, "failed")
		log.Warn("Annotation query failed", zap.Error(err))
	}
	n.Error(ctx, fmt.Sprintf("Annotation query %q failed", name), err)
}

// CapabilitySource returns the capabilities of a data source.
type CapabilitySource interface {
	Capabilities(ds datasource.DataSource) datasource.Capabilities
}

// Selector picks the runner for a data source, once per data source UID.
type Selector struct {
	caps    CapabilitySource
	runners []Runner

	mu    sync.Mutex
	cache map[string]Runner
}

// NewSelector creates a selector trying runners in order.
func NewSelector(caps CapabilitySource, runners ...Runner) *Selector {
	return &Selector{caps: caps, runners: runners, cache: make(map[string]Runner)}
}

// Select returns the runner able to query ds, or nil.
func (s *Selector) Select(ds datasource.DataSource) Runner {
	uid := ds.Ref().UID
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.cache[uid]; ok {
		return r
	}

	var caps datasource.Capabilities
	if s.caps != nil {
		caps = s.caps.Capabilities(ds)
	} else {
		caps = datasource.CapabilitiesOf(ds)
	}
	for _, r := range s.runners {
		if r.CanRun(caps) {
			s.cache[uid] = r
			return r
		}
	}
	return nil
}
