package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/annotations"
	"github.com/marcus-qen/dashquery/internal/config"
	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/dashboardquery"
	"github.com/marcus-qen/dashquery/internal/datasource"
	"github.com/marcus-qen/dashquery/internal/grafana"
	"github.com/marcus-qen/dashquery/internal/inflight"
	"github.com/marcus-qen/dashquery/internal/notify"
	"github.com/marcus-qen/dashquery/internal/panel"
	"github.com/marcus-qen/dashquery/internal/query"
	"github.com/marcus-qen/dashquery/internal/server"
	"github.com/marcus-qen/dashquery/internal/snapshot"
	"github.com/marcus-qen/dashquery/internal/telemetry"
	"github.com/marcus-qen/dashquery/internal/workers"
)

// requestTTL bounds how long a tracked request may stay in flight.
const requestTTL = 5 * time.Minute

// app holds the engine shared by every loaded dashboard.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	client    *grafana.HTTPClient
	tracker   *inflight.Tracker
	registry  *datasource.Registry
	queries   *query.Runner
	panels    *panel.QueryRunner
	selector  *annotations.Selector
	reporter  *notify.Reporter
	snapshots *snapshot.Store
	shutdown  func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	shutdown, err := telemetry.InitTraceProvider(ctx, cfg.Tracing.Endpoint, version)
	if err != nil {
		return nil, err
	}

	tracker := inflight.New(requestTTL)
	client := grafana.NewHTTPClient(grafana.ClientConfig{
		BaseURL:       cfg.Grafana.URL,
		APIToken:      cfg.Grafana.APIToken,
		Timeout:       cfg.Grafana.Timeout.Std(),
		TLSSkipVerify: cfg.Grafana.TLSSkipVerify,
		OrgID:         cfg.Grafana.OrgID,
		Tracker:       tracker,
	})

	registry := datasource.NewRegistry(datasource.NewGrafanaLoader(client, logger), logger)
	queries := query.NewRunner(tracker,
		query.WithLoadingDelay(cfg.Query.LoadingDelay.Std()),
		query.WithLogger(logger),
	)

	var router *notify.Router
	if cfg.HasNotify() {
		router = notify.NewRouter(
			[]notify.Channel{notifyChannel(cfg.Notify.WebhookURL)},
			notify.NewRateLimiter(cfg.Notify.MaxPerHour),
			zapr.NewLogger(logger.Named("notify")),
		)
	}
	reporter := notify.NewReporter(router, zapr.NewLogger(logger.Named("errors")))

	selector := annotations.NewSelector(registry,
		annotations.NewLegacyRunner(reporter, logger),
		annotations.NewStandardRunner(queries, cfg.Query.MaxDataPoints, reporter, logger),
	)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		tracker:  tracker,
		registry: registry,
		queries:  queries,
		panels:   panel.NewQueryRunner(queries, registry, logger),
		selector: selector,
		reporter: reporter,
		shutdown: shutdown,
	}

	if cfg.Snapshot.Backend != config.SnapshotNone {
		store, err := snapshot.Open(cfg.Snapshot.Backend, cfg.Snapshot.DSN, logger)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.snapshots = store
	}
	return a, nil
}

// notifyChannel picks the channel type from the webhook URL.
func notifyChannel(url string) notify.Channel {
	if strings.Contains(url, "hooks.slack.com") {
		return notify.NewSlackChannel(url, "")
	}
	return notify.NewWebhookChannel(url, nil)
}

func (a *app) close(ctx context.Context) {
	if a.snapshots != nil {
		_ = a.snapshots.Close()
	}
	a.tracker.Close()
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			a.logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}
}

// loadDashboard reads a dashboard file, or fetches the dashboard from
// Grafana when ref is not a file.
func (a *app) loadDashboard(ctx context.Context, ref string) (*dashboard.Model, error) {
	if _, err := os.Stat(ref); err == nil {
		return dashboard.LoadFile(ref)
	}
	raw, err := a.client.DashboardJSON(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch dashboard %s: %w", ref, err)
	}
	return dashboard.Parse(raw, false)
}

// open builds the query runner of m. Stored snapshot data is replayed first.
func (a *app) open(ctx context.Context, m *dashboard.Model) (*server.Session, error) {
	reporter := a.reporter.ForDashboard(m.UID)
	cfg := dashboardquery.Config{
		Dashboard: m,
		Workers: workers.Standard(workers.Deps{
			Client:                         a.client,
			Resolver:                       a.registry,
			Selector:                       a.selector,
			Permissions:                    workers.Permissions(a.cfg.Permissions),
			MaxConcurrentAnnotationQueries: a.cfg.Annotations.MaxConcurrent,
			Notifier:                       reporter,
			Logger:                         a.logger,
		}),
		Logger: a.logger,
	}
	if a.snapshots != nil {
		n, err := a.snapshots.Replay(ctx, m)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			a.logger.Info("replayed stored snapshot data", zap.String("dashboard", m.UID), zap.Int("annotations", n))
		}
		cfg.Snapshots = a.snapshots.Applier(m)
	}
	return &server.Session{Model: m, Runner: dashboardquery.New(cfg)}, nil
}
