package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/dashboardquery"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/merge"
	"github.com/marcus-qen/dashquery/internal/panel"
	"github.com/marcus-qen/dashquery/internal/workers"
)

var (
	runPanelID int64
	runFrom    string
	runTo      string
	runTimeout time.Duration
)

func init() {
	runCmd.Flags().Int64Var(&runPanelID, "panel", 0, "only run this panel (default: every panel)")
	runCmd.Flags().StringVar(&runFrom, "from", "", "range start, e.g. now-6h (default: dashboard range)")
	runCmd.Flags().StringVar(&runTo, "to", "", "range end (default: now)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 60*time.Second, "give up after this long")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <dashboard-file|uid>",
	Short: "Run a dashboard once and print the merged panel results as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

// panelResult is one panel of the run output.
type panelResult struct {
	PanelID int64          `json:"panelId"`
	Title   string         `json:"title,omitempty"`
	Data    data.PanelData `json:"data"`
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	m, err := a.loadDashboard(ctx, args[0])
	if err != nil {
		return err
	}
	if runFrom != "" || runTo != "" {
		to := runTo
		if to == "" {
			to = data.LiveNow
		}
		m.SetTimeRange(data.RawTimeRange{From: runFrom, To: to})
	}
	tr, err := m.TimeRange()
	if err != nil {
		return err
	}

	sess, err := a.open(ctx, m)
	if err != nil {
		return err
	}
	defer sess.Runner.Destroy()

	sub := sess.Runner.Subscribe(ctx, 0)
	if err := sess.Runner.Run(workers.Options{Dashboard: m, Range: tr}); err != nil {
		return err
	}
	select {
	case <-sub:
	case <-ctx.Done():
		return fmt.Errorf("dashboard run: %w", ctx.Err())
	}

	var out []panelResult
	for _, p := range m.AllPanels() {
		if p.Type == "row" || (runPanelID != 0 && p.ID != runPanelID) {
			continue
		}
		pd, err := runPanel(ctx, a.panels, sess.Runner, m, p, tr)
		if err != nil {
			return err
		}
		logger.Debug("panel finished", zap.Int64("panelId", p.ID), zap.String("state", string(pd.State)))
		out = append(out, panelResult{PanelID: p.ID, Title: p.Title, Data: pd})
	}
	if runPanelID != 0 && len(out) == 0 {
		return fmt.Errorf("panel %d not found in dashboard %s", runPanelID, m.UID)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// runPanel waits for the panel's final state and merges the latest
// dashboard result into it.
func runPanel(ctx context.Context, panels *panel.QueryRunner, runner *dashboardquery.Runner, m *dashboard.Model, p dashboard.Panel, tr data.TimeRange) (data.PanelData, error) {
	var last data.PanelData
	for pd := range panels.Run(ctx, p, panel.Options{Dashboard: m, Range: tr}) {
		last = pd
	}
	if err := ctx.Err(); err != nil {
		return last, fmt.Errorf("panel %d: %w", p.ID, err)
	}
	if res, ok := runner.Latest(p.ID); ok {
		last = merge.Combine(last, &res, p.Support())
	}
	return last, nil
}
