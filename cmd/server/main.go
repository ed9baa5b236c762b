package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jw6ventures/calsync/internal/api"
	"github.com/jw6ventures/calsync/internal/config"
	httpserver "github.com/jw6ventures/calsync/internal/http"
	"github.com/jw6ventures/calsync/internal/logging"
	"github.com/jw6ventures/calsync/internal/scheduler"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "calsync",
		Short: "calsync mirrors events between connected calendars",
		Long: `calsync pulls changes from connected calendar accounts, mirrors them as
redacted copies into other calendars and sends short-notice warnings.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCommand(), newMigrateCommand(), newPollCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the poll scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve HTTP only; another instance runs the periodic poll")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.Init(cfg.Log.Level, cfg.Log.Format)
			pool, err := store.Open(cmd.Context(), cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.New(pool).Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newPollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one poll over every active calendar and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			return a.syncer.PollAll(ctx)
		},
	}
}

func serve(parent context.Context, runScheduler bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger
	logger.Info("starting calsync", "addr", a.cfg.ListenAddr, "push", webhookAddress(a.cfg) != "")

	var sched *scheduler.Scheduler
	if runScheduler {
		sched, err = scheduler.New(a.cfg.Sync.PollSchedule, a.syncer, 0, logger)
		if err != nil {
			return err
		}
		sched.Start()
	}

	r := httpserver.NewRouter(ctx, a.cfg, httpserver.Handlers{
		Health:   a.store,
		Auth:     a.auth,
		API:      api.NewHandler(a.store, a.syncer, a.auth, a.creds, a.cfg.Scopes),
		Webhooks: webhook.NewHandler(a.hooks, a.syncer),
	})

	srv := &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.cfg.Sync.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", a.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", "error", err)
		stop()
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := shutdownContext()
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("scheduler did not stop in time", "error", err)
		}
	}
	return nil
}
