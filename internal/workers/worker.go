// Package workers holds the strategies that contribute dashboard wide
// results: alert states, annotations, snapshot replay and correlations.
// Each worker decides its own eligibility and never fails; errors are
// reported through the notifier and degrade to an empty Result.
package workers

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/notify"
)

// Options is the input of one worker run.
type Options struct {
	Dashboard *dashboard.Model
	Range     data.TimeRange
}

// Result is the unscoped output of a worker. Results of several workers are
// concatenated, not deduplicated.
type Result struct {
	Annotations     []data.AnnotationEvent     `json:"annotations"`
	AlertStates     []data.AlertStateInfo      `json:"alertStates"`
	Correlations    []data.Correlation         `json:"correlations,omitempty"`
	SnapshotUpdates []dashboard.SnapshotUpdate `json:"-"`
}

// Empty returns a result with empty, non-nil lists.
func Empty() Result {
	return Result{Annotations: []data.AnnotationEvent{}, AlertStates: []data.AlertStateInfo{}}
}

// Concat appends other to r.
func (r Result) Concat(other Result) Result {
	out := Empty()
	out.Annotations = append(append(out.Annotations, r.Annotations...), other.Annotations...)
	out.AlertStates = append(append(out.AlertStates, r.AlertStates...), other.AlertStates...)
	if len(r.Correlations)+len(other.Correlations) > 0 {
		out.Correlations = append(append([]data.Correlation{}, r.Correlations...), other.Correlations...)
	}
	if len(r.SnapshotUpdates)+len(other.SnapshotUpdates) > 0 {
		out.SnapshotUpdates = append(append([]dashboard.SnapshotUpdate{}, r.SnapshotUpdates...), other.SnapshotUpdates...)
	}
	return out
}

// Worker contributes one category of dashboard wide result.
type Worker interface {
	Name() string
	CanWork(opts Options) bool
	// Work returns a single result. Called while not eligible it returns an
	// empty result without I/O.
	Work(ctx context.Context, opts Options) Result
}

// ActionAlertRulesRead is the permission needed to read unified alert rules.
const ActionAlertRulesRead = "alert.rules:read"

// Permissions is the set of actions granted to the viewer.
type Permissions []string

// Has reports whether action is granted.
func (p Permissions) Has(action string) bool {
	for _, a := range p {
		if a == action {
			return true
		}
	}
	return false
}

// reportError sends err to the notifier unless it is a cancellation.
// Returns the outcome label used for metrics.
func reportError(ctx context.Context, n notify.Notifier, logger *zap.Logger, title string, err error) string {
	if data.IsCancelled(err) || ctx.Err() != nil {
		logger.Debug("Request cancelled", zap.String("title", title), zap.Error(err))
		return "cancelled"
	}
	logger.Warn(title, zap.Error(err))
	n.Error(ctx, title, err)
	return "failed"
}

func defaults(n notify.Notifier, logger *zap.Logger, name string) (notify.Notifier, *zap.Logger) {
	if n == nil {
		n = notify.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return n, logger.Named(name)
}

func sortAlertStates(states []data.AlertStateInfo) {
	sort.SliceStable(states, func(i, j int) bool { return states[i].PanelID < states[j].PanelID })
}
