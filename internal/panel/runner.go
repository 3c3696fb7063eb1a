// Package panel runs a panel's own queries and merges them with the
// dashboard wide results.
package panel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/dashboardquery"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/datasource"
	"github.com/marcus-qen/dashquery/internal/merge"
	"github.com/marcus-qen/dashquery/internal/query"
)

// Resolver resolves data source references.
type Resolver interface {
	Get(ctx context.Context, ref *data.DataSourceRef) (datasource.DataSource, error)
}

// Dashboards provides the per panel view of the dashboard wide results.
type Dashboards interface {
	Subscribe(ctx context.Context, panelID int64) <-chan dashboardquery.Result
}

// Options describes one panel run. Results may be nil, in which case the
// panel only receives its own data.
type Options struct {
	Dashboard     *dashboard.Model
	Results       Dashboards
	Range         data.TimeRange
	MaxDataPoints int64
}

// QueryRunner issues panel requests and merges in dashboard results.
type QueryRunner struct {
	queries  *query.Runner
	resolver Resolver
	logger   *zap.Logger
	seq      atomic.Uint64
	now      func() time.Time
}

// NewQueryRunner creates a QueryRunner.
func NewQueryRunner(queries *query.Runner, resolver Resolver, logger *zap.Logger) *QueryRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryRunner{
		queries:  queries,
		resolver: resolver,
		logger:   logger.Named("panel"),
		now:      time.Now,
	}
}

// Run queries p and streams merged PanelData until ctx is done or both the
// panel query and the dashboard subscription have ended.
func (q *QueryRunner) Run(ctx context.Context, p dashboard.Panel, opts Options) <-chan data.PanelData {
	log := q.logger.With(zap.Int64("panelId", p.ID))
	req := q.buildRequest(p, opts, log)

	var own <-chan data.PanelData
	ds, err := q.resolver.Get(ctx, req.Datasource)
	if err != nil && len(req.Targets) > 0 {
		log.Warn("Panel data source unavailable", zap.Error(err))
		own = failed(req, err)
	} else {
		own = q.queries.Run(ctx, ds, req)
	}

	var dash <-chan dashboardquery.Result
	if opts.Results != nil {
		dash = opts.Results.Subscribe(ctx, p.ID)
	}
	return merge.Merge(ctx, own, dash, p.Support())
}

func (q *QueryRunner) buildRequest(p dashboard.Panel, opts Options, log *zap.Logger) *data.Request {
	ref := p.Datasource
	targets := make([]data.DataQuery, 0, len(p.Targets))
	for _, t := range p.Targets {
		if t.Hide {
			continue
		}
		if t.Datasource == nil {
			t.Datasource = ref
		}
		targets = append(targets, t)
	}
	if ref == nil && len(targets) > 0 {
		ref = targets[0].Datasource
	}

	maxDataPoints := p.MaxDataPoints
	if maxDataPoints <= 0 {
		maxDataPoints = opts.MaxDataPoints
	}
	minInterval, err := query.ParseInterval(p.Interval)
	if err != nil {
		log.Warn("Ignoring panel interval", zap.String("interval", p.Interval), zap.Error(err))
	}
	intervalMs, interval := query.CalculateInterval(opts.Range, maxDataPoints, minInterval)

	req := &data.Request{
		RequestID:     fmt.Sprintf("Q%d", q.seq.Add(1)),
		PanelID:       p.ID,
		Datasource:    ref,
		Targets:       targets,
		Range:         opts.Range,
		Interval:      interval,
		IntervalMs:    intervalMs,
		MaxDataPoints: maxDataPoints,
		App:           data.AppDashboard,
		StartTime:     q.now(),
		ScopedVars: map[string]data.ScopedVar{
			"__interval":    {Text: interval, Value: interval},
			"__interval_ms": {Text: fmt.Sprint(intervalMs), Value: intervalMs},
		},
	}
	if opts.Dashboard != nil {
		req.DashboardUID = opts.Dashboard.UID
		req.Timezone = opts.Dashboard.Timezone
	}
	return req
}

// failed yields a single error state for a request that could not start.
func failed(req *data.Request, err error) <-chan data.PanelData {
	out := make(chan data.PanelData, 1)
	acc := query.NewAccumulator(req)
	out <- acc.Fail(err)
	close(out)
	return out
}
