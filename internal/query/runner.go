package query

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/datasource"
	"github.com/marcus-qen/dashquery/internal/inflight"
	"github.com/marcus-qen/dashquery/internal/metrics"
	"github.com/marcus-qen/dashquery/internal/telemetry"
)

// DefaultLoadingDelay is how long the runner waits for a first packet before
// emitting a Loading placeholder.
const DefaultLoadingDelay = 200 * time.Millisecond

// Runner executes requests against data sources and streams accumulated
// PanelData.
type Runner struct {
	tracker      *inflight.Tracker
	clock        clock.Clock
	loadingDelay time.Duration
	logger       *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock driving the loading timer.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLoadingDelay overrides DefaultLoadingDelay.
func WithLoadingDelay(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.loadingDelay = d
		}
	}
}

// WithLogger sets the runner logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a Runner. tracker may be nil when no transport registers
// requests by id.
func NewRunner(tracker *inflight.Tracker, opts ...Option) *Runner {
	r := &Runner{
		tracker:      tracker,
		clock:        clock.New(),
		loadingDelay: DefaultLoadingDelay,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("query")
	return r
}

// Run starts req against ds. The returned channel yields a full PanelData
// snapshot per emission and is closed when the request completes or ctx is
// done. Cancelling ctx aborts the transport request registered under
// req.RequestID.
func (r *Runner) Run(ctx context.Context, ds datasource.DataSource, req *data.Request) <-chan data.PanelData {
	out := make(chan data.PanelData, 1)
	go r.run(ctx, ds, req, out)
	return out
}

func (r *Runner) run(ctx context.Context, ds datasource.DataSource, req *data.Request, out chan<- data.PanelData) {
	defer close(out)

	start := r.clock.Now()
	acc := NewAccumulator(req)
	dsType := ""
	dsUID := ""
	if ds != nil {
		dsType = ds.Ref().Type
		dsUID = ds.Ref().UID
	}

	emit := func(pd data.PanelData) bool {
		pd.Timings = &data.Timings{DataProcessingTime: r.clock.Since(start)}
		select {
		case out <- pd:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if len(req.Targets) == 0 || ds == nil {
		done := acc.Finish()
		if ds == nil && len(req.Targets) > 0 {
			done = acc.Fail(&data.QueryError{Message: "datasource not found"})
		}
		done.Request = stampEnd(req, r.clock.Now())
		emit(done)
		metrics.RecordQuery(dsType, string(done.State), r.clock.Since(start))
		return
	}

	ctx, span := telemetry.StartQuerySpan(ctx, req.RequestID, dsUID, len(req.Targets))
	log := r.logger.With(zap.String("requestId", req.RequestID), zap.String("datasource", dsUID))

	src := make(chan data.ResponsePacket)
	errc := make(chan error, 1)
	dsCtx, stop := context.WithCancel(ctx)
	defer stop()

	metrics.InFlightRequests.Inc()
	go func() {
		defer metrics.InFlightRequests.Dec()
		defer close(src)
		errc <- r.query(dsCtx, ds, req, src)
	}()
	var packets <-chan data.ResponsePacket = src

	timer := r.clock.Timer(r.loadingDelay)
	defer timer.Stop()
	loadingC := timer.C

	received := 0
	for packets != nil {
		select {
		case <-loadingC:
			loadingC = nil
			if received == 0 {
				log.Debug("Emitting loading placeholder")
				if !emit(acc.State()) {
					packets = nil
				}
			}
		case p, ok := <-packets:
			if !ok {
				packets = nil
				continue
			}
			if received == 0 {
				timer.Stop()
				loadingC = nil
			}
			received++
			if !emit(acc.Reduce(p)) {
				packets = nil
			}
		case <-ctx.Done():
			packets = nil
		}
	}

	if ctx.Err() != nil {
		r.release(req.RequestID)
		stop()
		go func() {
			for range src {
			}
		}()
		log.Debug("Query cancelled by consumer")
		metrics.RecordQuery(dsType, "Cancelled", r.clock.Since(start))
		telemetry.EndQuerySpan(span, "Cancelled", received, nil)
		return
	}

	err := <-errc
	final := acc.State()
	switch {
	case err != nil:
		final = acc.Fail(err)
		final.Request = stampEnd(req, r.clock.Now())
		if data.IsCancelled(err) {
			log.Debug("Query aborted", zap.Error(err))
		} else {
			log.Warn("Query failed", zap.Error(err))
		}
		emit(final)
	case received == 0:
		final = acc.Finish()
		final.Request = stampEnd(req, r.clock.Now())
		emit(final)
	}

	metrics.RecordQuery(dsType, string(final.State), r.clock.Since(start))
	telemetry.EndQuerySpan(span, string(final.State), received, err)
}

// query calls the data source and turns a panic into an error so nothing
// escapes the runner goroutine.
func (r *Runner) query(ctx context.Context, ds datasource.DataSource, req *data.Request, out chan<- data.ResponsePacket) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Data source panicked", zap.Any("panic", rec), zap.String("requestId", req.RequestID))
			err = &data.QueryError{Message: "data source failed unexpectedly"}
		}
	}()
	return ds.Query(ctx, req, out)
}

// release aborts the transport request registered under requestID.
func (r *Runner) release(requestID string) {
	if r.tracker == nil || requestID == "" {
		return
	}
	r.tracker.Cancel(requestID)
}

func stampEnd(req *data.Request, now time.Time) *data.Request {
	out := req.Clone()
	if out != nil {
		out.EndTime = now
	}
	return out
}
