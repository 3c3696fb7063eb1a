package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/dashquery/internal/config"
	"github.com/marcus-qen/dashquery/internal/snapshot"
	"github.com/marcus-qen/dashquery/internal/workers"
)

var snapshotTimeout time.Duration

func init() {
	snapshotTakeCmd.Flags().DurationVar(&snapshotTimeout, "timeout", 60*time.Second, "give up after this long")
	snapshotCmd.AddCommand(snapshotTakeCmd, snapshotShowCmd, snapshotClearCmd)
	rootCmd.AddCommand(snapshotCmd)
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Record, inspect and clear stored annotation snapshots",
}

var snapshotTakeCmd = &cobra.Command{
	Use:   "take <dashboard-file|uid>",
	Short: "Run a dashboard's annotation queries and store their results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Snapshot.Backend == config.SnapshotNone {
			return errors.New("snapshot backend is none")
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), snapshotTimeout)
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
		// Stored data must not short-circuit the live queries being recorded.
		if err := a.snapshots.Delete(ctx, m.UID); err != nil {
			return err
		}
		m.ClearSnapshots()
		m.SetSnapshotting(true)

		sess, err := a.open(ctx, m)
		if err != nil {
			return err
		}
		defer sess.Runner.Destroy()

		tr, err := m.TimeRange()
		if err != nil {
			return err
		}
		sub := sess.Runner.Subscribe(ctx, 0)
		if err := sess.Runner.Run(workers.Options{Dashboard: m, Range: tr}); err != nil {
			return err
		}
		select {
		case <-sub:
		case <-ctx.Done():
			return fmt.Errorf("snapshot run: %w", ctx.Err())
		}

		stored := 0
		for _, d := range m.AnnotationDescriptors() {
			if d.HasSnapshotData() {
				stored++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored snapshot data for %d annotation(s) of %s\n", stored, m.UID)
		return nil
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <dashboard-uid>",
	Short: "Print the stored snapshot data of a dashboard as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSnapshotStore()
		if err != nil {
			return err
		}
		defer store.Close()

		updates, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(updates)
	},
}

var snapshotClearCmd = &cobra.Command{
	Use:   "clear <dashboard-uid>",
	Short: "Delete the stored snapshot data of a dashboard",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSnapshotStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Delete(cmd.Context(), args[0])
	},
}

func openSnapshotStore() (*snapshot.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Snapshot.Backend == config.SnapshotNone {
		return nil, errors.New("snapshot backend is none")
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return snapshot.Open(cfg.Snapshot.Backend, cfg.Snapshot.DSN, logger)
}
