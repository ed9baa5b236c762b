// Package scheduler triggers periodic polls of every active calendar.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Poller runs one poll over all active calendars.
type Poller interface {
	PollAll(ctx context.Context) error
}

type Scheduler struct {
	cron    *cron.Cron
	poller  Poller
	logger  *slog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New schedules poller on a standard cron spec or descriptor such as
// "@every 15m". A run still in progress when the next one is due is skipped.
// timeout bounds a single run; zero means no bound.
func New(schedule string, poller Poller, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		poller:  poller,
		logger:  logger,
		timeout: timeout,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := s.poller.PollAll(ctx); err != nil {
		s.logger.Error("scheduled poll failed", "error", err)
		return
	}
	s.logger.Info("scheduled poll finished", "duration", time.Since(start).Round(time.Millisecond))
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels a running poll and waits for it until ctx
// is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
