package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/refresh"
	"github.com/marcus-qen/dashquery/internal/server"
	"github.com/marcus-qen/dashquery/internal/workers"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve <dashboard-file|uid>...",
	Short: "Serve merged panel results of dashboards over HTTP and websockets",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	srv := server.New(a.panels, cfg.Query.MaxDataPoints, version, logger)
	scheduler := refresh.NewScheduler(logger)

	var sessions []*server.Session
	defer func() {
		for _, s := range sessions {
			s.Runner.Destroy()
		}
	}()

	for _, ref := range args {
		m, err := a.loadDashboard(ctx, ref)
		if err != nil {
			return err
		}
		sess, err := a.open(ctx, m)
		if err != nil {
			return err
		}
		sessions = append(sessions, sess)

		if err := sess.Runner.Start(ctx); err != nil {
			return err
		}
		if err := scheduler.Schedule(m); err != nil && !errors.Is(err, refresh.ErrNoSchedule) {
			logger.Warn("auto-refresh disabled", zap.String("dashboard", m.UID), zap.Error(err))
		}
		tr, err := m.TimeRange()
		if err != nil {
			return fmt.Errorf("dashboard %s: %w", m.UID, err)
		}
		if err := sess.Runner.Run(workers.Options{Dashboard: m, Range: tr}); err != nil {
			return err
		}
		srv.Add(sess)
		logger.Info("dashboard loaded", zap.String("dashboard", m.UID), zap.String("title", m.Title))
	}

	scheduler.Start()
	defer scheduler.Stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("version", version))
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
