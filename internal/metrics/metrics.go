/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the dashboard query engine.
//
// All metrics are registered with the package Registry, which the server
// exposes on /metrics.
//
// Metric naming follows Prometheus conventions:
//   - dashquery_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every dashquery collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// QueriesTotal counts panel queries by datasource type and final state.
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashquery_queries_total",
			Help: "Total number of panel queries by datasource type and final state.",
		},
		[]string{"datasource_type", "state"},
	)

	// QueryDurationSeconds is a histogram of panel query duration.
	QueryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashquery_query_duration_seconds",
			Help:    "Duration of panel queries in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"datasource_type"},
	)

	// DashboardRunsTotal counts orchestrator runs by outcome
	// (merged, superseded, cancelled).
	DashboardRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashquery_dashboard_runs_total",
			Help: "Total dashboard runs by outcome.",
		},
		[]string{"outcome"},
	)

	// WorkerRunsTotal counts worker executions by worker and outcome.
	WorkerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashquery_worker_runs_total",
			Help: "Total worker executions by worker and outcome.",
		},
		[]string{"worker", "outcome"},
	)

	// WorkerDurationSeconds is a histogram of worker duration.
	WorkerDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashquery_worker_duration_seconds",
			Help:    "Duration of dashboard workers in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"worker"},
	)

	// AnnotationQueriesTotal counts annotation descriptor queries by runner
	// and outcome (ok, error, structural, cancelled).
	AnnotationQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashquery_annotation_queries_total",
			Help: "Total annotation queries by runner and outcome.",
		},
		[]string{"runner", "outcome"},
	)

	// NotificationsTotal counts error notifications by channel and status.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashquery_notifications_total",
			Help: "Total error notifications by channel and delivery status.",
		},
		[]string{"channel", "status"},
	)

	// SnapshotUpdatesTotal counts applied snapshot updates by store backend.
	SnapshotUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashquery_snapshot_updates_total",
			Help: "Total snapshot updates persisted by backend.",
		},
		[]string{"backend"},
	)

	// InFlightRequests is the number of tracked outgoing requests.
	InFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashquery_inflight_requests",
			Help: "Number of outgoing datasource requests currently in flight.",
		},
	)

	// ActiveStreams is the number of open panel streams.
	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashquery_active_streams",
			Help: "Number of panel result streams currently open.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		QueriesTotal,
		QueryDurationSeconds,
		DashboardRunsTotal,
		WorkerRunsTotal,
		WorkerDurationSeconds,
		AnnotationQueriesTotal,
		NotificationsTotal,
		SnapshotUpdatesTotal,
		InFlightRequests,
		ActiveStreams,
	)
}

// RecordQuery records a finished panel query.
func RecordQuery(datasourceType, state string, duration time.Duration) {
	if datasourceType == "" {
		datasourceType = "unknown"
	}
	QueriesTotal.WithLabelValues(datasourceType, state).Inc()
	QueryDurationSeconds.WithLabelValues(datasourceType).Observe(duration.Seconds())
}

// RecordDashboardRun records the terminal outcome of an orchestrator run.
func RecordDashboardRun(outcome string) {
	DashboardRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordWorker records one worker execution.
func RecordWorker(worker, outcome string, duration time.Duration) {
	WorkerRunsTotal.WithLabelValues(worker, outcome).Inc()
	WorkerDurationSeconds.WithLabelValues(worker).Observe(duration.Seconds())
}

// RecordAnnotationQuery records one annotation descriptor query.
func RecordAnnotationQuery(runner, outcome string) {
	AnnotationQueriesTotal.WithLabelValues(runner, outcome).Inc()
}

// RecordNotification records a notification delivery attempt.
func RecordNotification(channel, status string) {
	NotificationsTotal.WithLabelValues(channel, status).Inc()
}

// RecordSnapshotUpdate records a persisted snapshot update.
func RecordSnapshotUpdate(backend string) {
	SnapshotUpdatesTotal.WithLabelValues(backend).Inc()
}
