package workers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/grafana"
	"github.com/marcus-qen/dashquery/internal/notify"
)

// AlertStatesClient fetches legacy alert states.
type AlertStatesClient interface {
	AlertStatesForDashboard(ctx context.Context, dashboardID int64) ([]data.AlertStateInfo, error)
}

// AlertStatesWorker loads legacy alert states for dashboards that carry
// legacy panel alerts.
type AlertStatesWorker struct {
	client   AlertStatesClient
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewAlertStatesWorker creates an AlertStatesWorker.
func NewAlertStatesWorker(client AlertStatesClient, notifier notify.Notifier, logger *zap.Logger) *AlertStatesWorker {
	n, l := defaults(notifier, logger, "alert-states")
	return &AlertStatesWorker{client: client, notifier: n, logger: l}
}

func (w *AlertStatesWorker) Name() string { return "alertStates" }

// CanWork requires a legacy dashboard id, a live range and at least one panel
// with a legacy alert.
func (w *AlertStatesWorker) CanWork(opts Options) bool {
	d := opts.Dashboard
	if d == nil || d.ID == 0 {
		return false
	}
	if !opts.Range.IsLive() {
		return false
	}
	return d.HasLegacyAlerts()
}

func (w *AlertStatesWorker) Work(ctx context.Context, opts Options) Result {
	if !w.CanWork(opts) {
		return Empty()
	}

	id := opts.Dashboard.ID
	ctx = grafana.WithRequestID(ctx, fmt.Sprintf("dashboard-query-runner-alert-states-worker-%d", id))
	states, err := w.client.AlertStatesForDashboard(ctx, id)
	if err != nil {
		reportError(ctx, w.notifier, w.logger, "AlertStatesWorker failed", err)
		return Empty()
	}

	res := Empty()
	res.AlertStates = append(res.AlertStates, states...)
	w.logger.Debug("Loaded alert states", zap.Int64("dashboardId", id), zap.Int("count", len(states)))
	return res
}
