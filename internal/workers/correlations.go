package workers

import (
	"context"

	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/notify"
)

// CorrelationsClient looks up correlations by source data source.
type CorrelationsClient interface {
	Correlations(ctx context.Context, sourceUIDs []string) ([]data.Correlation, error)
}

// CorrelationsWorker loads the correlations of the data sources a dashboard
// queries.
type CorrelationsWorker struct {
	client   CorrelationsClient
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewCorrelationsWorker creates a CorrelationsWorker.
func NewCorrelationsWorker(client CorrelationsClient, notifier notify.Notifier, logger *zap.Logger) *CorrelationsWorker {
	n, l := defaults(notifier, logger, "correlations")
	return &CorrelationsWorker{client: client, notifier: n, logger: l}
}

func (w *CorrelationsWorker) Name() string { return "correlations" }

// CanWork is always true.
func (w *CorrelationsWorker) CanWork(Options) bool { return true }

func (w *CorrelationsWorker) Work(ctx context.Context, opts Options) Result {
	res := Empty()
	if opts.Dashboard == nil {
		return res
	}
	uids := datasourceUIDs(opts.Dashboard)
	if len(uids) == 0 {
		return res
	}

	corrs, err := w.client.Correlations(ctx, uids)
	if err != nil {
		reportError(ctx, w.notifier, w.logger, "CorrelationsWorker failed", err)
		return res
	}
	res.Correlations = corrs
	w.logger.Debug("Loaded correlations", zap.Int("sources", len(uids)), zap.Int("count", len(corrs)))
	return res
}

// datasourceUIDs lists the concrete data sources referenced by panels and
// their targets, in order of first appearance.
func datasourceUIDs(d *dashboard.Model) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(ref *data.DataSourceRef) {
		if ref == nil || ref.UID == "" || ref.IsPseudo() {
			return
		}
		if _, ok := seen[ref.UID]; ok {
			return
		}
		seen[ref.UID] = struct{}{}
		out = append(out, ref.UID)
	}
	for _, p := range d.AllPanels() {
		add(p.Datasource)
		for _, t := range p.Targets {
			add(t.Datasource)
		}
	}
	return out
}
