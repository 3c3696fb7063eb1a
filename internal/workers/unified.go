package workers

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/grafana"
	"github.com/marcus-qen/dashquery/internal/notify"
)

// PanelIDAnnotation links a unified alert rule to a dashboard panel.
const PanelIDAnnotation = "__panelId__"

// RulesClient fetches unified alerting rules.
type RulesClient interface {
	RulesForDashboard(ctx context.Context, dashboardUID string) (grafana.RulesResponse, error)
}

// UnifiedAlertStatesWorker resolves panel alert states from unified alerting
// rules. Dashboards found to have no panel rules are remembered and skipped
// until restart.
type UnifiedAlertStatesWorker struct {
	client      RulesClient
	permissions Permissions
	notifier    notify.Notifier
	logger      *zap.Logger

	mu            sync.Mutex
	hasAlertRules map[string]bool
}

// NewUnifiedAlertStatesWorker creates a UnifiedAlertStatesWorker.
func NewUnifiedAlertStatesWorker(client RulesClient, perms Permissions, notifier notify.Notifier, logger *zap.Logger) *UnifiedAlertStatesWorker {
	n, l := defaults(notifier, logger, "unified-alert-states")
	return &UnifiedAlertStatesWorker{
		client:        client,
		permissions:   perms,
		notifier:      n,
		logger:        l,
		hasAlertRules: make(map[string]bool),
	}
}

func (w *UnifiedAlertStatesWorker) Name() string { return "unifiedAlertStates" }

func (w *UnifiedAlertStatesWorker) CanWork(opts Options) bool {
	if !w.permissions.Has(ActionAlertRulesRead) {
		return false
	}
	d := opts.Dashboard
	if d == nil || d.UID == "" || !opts.Range.IsLive() {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	has, known := w.hasAlertRules[d.UID]
	return !known || has
}

func (w *UnifiedAlertStatesWorker) Work(ctx context.Context, opts Options) Result {
	if !w.CanWork(opts) {
		return Empty()
	}
	d := opts.Dashboard

	resp, err := w.client.RulesForDashboard(ctx, d.UID)
	if err != nil {
		// A failed lookup does not prove the dashboard has no rules.
		reportError(ctx, w.notifier, w.logger, "UnifiedAlertStatesWorker failed", err)
		return Empty()
	}

	byPanel := make(map[int64]*data.AlertStateInfo)
	var order []int64
	found := false
	for _, g := range resp.Data.Groups {
		for _, rule := range g.Rules {
			if !rule.IsAlerting() {
				continue
			}
			raw := strings.TrimSpace(rule.Annotations[PanelIDAnnotation])
			if raw == "" {
				continue
			}
			panelID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				w.logger.Debug("Ignoring rule with invalid panel id", zap.String("rule", rule.Name), zap.String("panelId", raw))
				continue
			}
			found = true

			state := data.PromAlertStateToAlertState(rule.State)
			cur, ok := byPanel[panelID]
			if !ok {
				byPanel[panelID] = &data.AlertStateInfo{
					ID:          int64(len(order)),
					DashboardID: d.ID,
					PanelID:     panelID,
					State:       state,
				}
				order = append(order, panelID)
				continue
			}
			if state.MoreSevere(cur.State) {
				cur.State = state
			}
		}
	}

	// Recorded only once the scan is complete; a lookup still in flight
	// leaves the worker eligible for a superseding run.
	w.setMemo(d.UID, found)

	res := Empty()
	for _, id := range order {
		res.AlertStates = append(res.AlertStates, *byPanel[id])
	}
	sortAlertStates(res.AlertStates)
	return res
}

func (w *UnifiedAlertStatesWorker) setMemo(uid string, has bool) {
	w.mu.Lock()
	w.hasAlertRules[uid] = has
	w.mu.Unlock()
}
