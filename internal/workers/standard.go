package workers

import (
	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/annotations"
	"github.com/marcus-qen/dashquery/internal/notify"
)

// Client is the HTTP API surface used by the standard workers.
type Client interface {
	AlertStatesClient
	RulesClient
	CorrelationsClient
}

// Deps are the collaborators of the standard worker set.
type Deps struct {
	Client                         Client
	Resolver                       Resolver
	Selector                       *annotations.Selector
	Permissions                    Permissions
	MaxConcurrentAnnotationQueries int
	Notifier                       notify.Notifier
	Logger                         *zap.Logger
}

// Standard returns the workers of a dashboard in merge order. The set may be
// shared between dashboards.
func Standard(d Deps) []Worker {
	return []Worker{
		NewAlertStatesWorker(d.Client, d.Notifier, d.Logger),
		NewUnifiedAlertStatesWorker(d.Client, d.Permissions, d.Notifier, d.Logger),
		NewSnapshotWorker(),
		NewAnnotationsWorker(d.Resolver, d.Selector, d.MaxConcurrentAnnotationQueries, d.Notifier, d.Logger),
		NewCorrelationsWorker(d.Client, d.Notifier, d.Logger),
	}
}
