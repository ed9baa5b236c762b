// Package propagate writes normalized copies of source events onto the sink
// calendars of a sync link.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/normalize"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

// ClientSource returns a provider client authorised for the account that owns
// cal.
type ClientSource interface {
	ClientFor(ctx context.Context, cal store.TrackedCalendar) (provider.Client, error)
}

// SinkResult is the outcome of one sink write.
type SinkResult struct {
	CalendarID int64
	EventID    string
	// Action is one of the metrics.Result* constants.
	Action string
	Err    error
}

// Result summarises one propagation pass.
type Result struct {
	Outcome normalize.Outcome
	Sinks   []SinkResult
}

// Failed reports whether any sink write failed.
func (r Result) Failed() bool {
	for _, s := range r.Sinks {
		if s.Err != nil {
			return true
		}
	}
	return false
}

type Options struct {
	Concurrency int
	Logger      *slog.Logger
}

type Propagator struct {
	links   store.LinkRepository
	clients ClientSource
	limit   int
	logger  *slog.Logger
}

func New(links store.LinkRepository, clients ClientSource, opts Options) *Propagator {
	p := &Propagator{
		links:   links,
		clients: clients,
		limit:   opts.Concurrency,
		logger:  opts.Logger,
	}
	if p.limit < 1 {
		p.limit = 4
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Propagate mirrors ev, read from the source calendar, onto every sink of
// link. Running it again for the same event rewrites the same sink events.
// A failing sink does not stop the others.
func (p *Propagator) Propagate(ctx context.Context, link store.SyncLink, source store.TrackedCalendar, ev provider.EventRecord) Result {
	logger := p.logger.With("link_id", link.ID, "user_id", link.UserID, "event_id", ev.ID)

	n, err := normalize.Compile(link)
	if err != nil {
		logger.Error("link has invalid patterns", "error", err)
		return Result{Outcome: normalize.OutcomeFiltered}
	}
	copyEv, outcome := n.Normalize(ev)
	res := Result{Outcome: outcome}
	if outcome != normalize.OutcomeOK && outcome != normalize.OutcomeCancelled {
		logger.Debug("event not propagated", "outcome", outcome)
		return res
	}
	copyEv.ID = provider.SinkEventID(ev.ID)

	sinks, err := p.links.Sinks(ctx, link.UserID, link.ID)
	if err != nil {
		logger.Error("load sinks", "error", err)
		res.Sinks = []SinkResult{{EventID: copyEv.ID, Action: metrics.ResultFailed, Err: err}}
		metrics.Propagation(metrics.ResultFailed)
		return res
	}

	var targets []store.TrackedCalendar
	for _, sink := range sinks {
		if sink.UserID != link.UserID {
			logger.Error("sink belongs to another user, skipping", "calendar_id", sink.ID)
			continue
		}
		if sink.Deleted || sink.ID == source.ID {
			continue
		}
		targets = append(targets, sink)
	}

	results := make([]SinkResult, len(targets))
	var g errgroup.Group
	g.SetLimit(p.limit)
	for i, sink := range targets {
		g.Go(func() error {
			action, err := p.write(ctx, sink, copyEv, outcome)
			results[i] = SinkResult{CalendarID: sink.ID, EventID: copyEv.ID, Action: action, Err: err}
			metrics.Propagation(action)
			if err != nil {
				logger.Warn("sink write failed", "calendar_id", sink.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Sinks = results
	return res
}

func (p *Propagator) write(ctx context.Context, sink store.TrackedCalendar, ev provider.EventRecord, outcome normalize.Outcome) (string, error) {
	client, err := p.clients.ClientFor(ctx, sink)
	if err != nil {
		return metrics.ResultFailed, fmt.Errorf("client for calendar %d: %w", sink.ID, err)
	}

	existing, err := client.GetEvent(ctx, sink.ProviderCalendarID, ev.ID)
	switch {
	case errors.Is(err, provider.ErrNotFound):
		if outcome == normalize.OutcomeCancelled {
			return metrics.ResultSkipped, nil
		}
		if _, err := client.InsertEvent(ctx, sink.ProviderCalendarID, ev); err != nil {
			return metrics.ResultFailed, fmt.Errorf("insert into calendar %d: %w", sink.ID, err)
		}
		return metrics.ResultInserted, nil
	case err != nil:
		return metrics.ResultFailed, fmt.Errorf("look up event in calendar %d: %w", sink.ID, err)
	}

	if !existing.Synthetic {
		p.logger.Warn("sink holds an event with the same id that was not written by calsync, leaving it alone",
			"calendar_id", sink.ID, "event_id", ev.ID)
		return metrics.ResultSkipped, nil
	}
	if outcome == normalize.OutcomeCancelled && existing.Cancelled() {
		return metrics.ResultSkipped, nil
	}
	if _, err := client.PatchEvent(ctx, sink.ProviderCalendarID, ev.ID, ev); err != nil {
		return metrics.ResultFailed, fmt.Errorf("patch calendar %d: %w", sink.ID, err)
	}
	return metrics.ResultUpdated, nil
}
