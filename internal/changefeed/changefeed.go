// Package changefeed pulls event deltas for tracked calendars using provider
// sync tokens, and keeps the tracked calendar list of an account current.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/jw6ventures/calsync/internal/keylock"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

const (
	modeFull        = "full"
	modeIncremental = "incremental"
)

type Options struct {
	Locker  keylock.Locker
	Horizon time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

type Feed struct {
	calendars store.CalendarRepository
	locks     keylock.Locker
	horizon   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func New(calendars store.CalendarRepository, opts Options) *Feed {
	f := &Feed{
		calendars: calendars,
		locks:     opts.Locker,
		horizon:   opts.Horizon,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if f.locks == nil {
		f.locks = keylock.NewLocal()
	}
	if f.horizon <= 0 {
		f.horizon = 365 * 24 * time.Hour
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// pullResult is the outcome of one paginated listing. cursorInvalid is set
// instead of an error when the provider rejected the sync token.
type pullResult struct {
	events        []provider.EventRecord
	nextSyncToken string
	cursorInvalid bool
}

// GetChanges returns the events of cal that changed since the stored cursor,
// or every event in [now, now+horizon] when there is no usable cursor. The new
// cursor is stored only after the final page was read.
func (f *Feed) GetChanges(ctx context.Context, cal store.TrackedCalendar, client provider.Client) ([]provider.EventRecord, error) {
	unlock, err := f.locks.Lock(ctx, "calendar:"+strconv.FormatInt(cal.ID, 10))
	if err != nil {
		return nil, fmt.Errorf("lock calendar %d: %w", cal.ID, err)
	}
	defer unlock()

	current, err := f.calendars.Get(ctx, cal.UserID, cal.ID)
	if err != nil {
		return nil, fmt.Errorf("load calendar %d: %w", cal.ID, err)
	}
	logger := f.logger.With("calendar_id", current.ID, "user_id", current.UserID)

	now := f.now().UTC()
	windowStart, windowEnd := now, now.Add(f.horizon)
	query := provider.EventQuery{
		TimeMin:      windowStart,
		TimeMax:      windowEnd,
		SingleEvents: true,
		OrderByStart: true,
	}

	var res pullResult
	full := current.SyncToken == nil
	if !full {
		q := query
		q.SyncToken = *current.SyncToken
		res, err = f.pull(ctx, client, current.ProviderCalendarID, q, modeIncremental, logger)
		if err != nil {
			return nil, err
		}
		if res.cursorInvalid {
			logger.Info("sync token invalidated, falling back to full pull")
			if err := f.calendars.UpdateSyncToken(ctx, current.UserID, current.ID, nil); err != nil {
				return nil, fmt.Errorf("clear sync token: %w", err)
			}
			full = true
		}
	}
	if full {
		res, err = f.pull(ctx, client, current.ProviderCalendarID, query, modeFull, logger)
		if err != nil {
			return nil, err
		}
		if res.cursorInvalid {
			return nil, fmt.Errorf("full listing of calendar %d: %w", current.ID, provider.ErrCursorInvalid)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res.nextSyncToken != "" {
		token := res.nextSyncToken
		if err := f.calendars.UpdateSyncToken(ctx, current.UserID, current.ID, &token); err != nil {
			return nil, fmt.Errorf("store sync token: %w", err)
		}
	}

	events := inWindow(res.events, windowStart, windowEnd)
	logger.Debug("pulled changes", "full", full, "events", len(events))
	return events, nil
}

func (f *Feed) pull(ctx context.Context, client provider.Client, calendarID string, q provider.EventQuery, mode string, logger *slog.Logger) (res pullResult, err error) {
	start := time.Now()
	defer func() { metrics.ObservePull(mode, start, err) }()

	for {
		if err := ctx.Err(); err != nil {
			return pullResult{}, err
		}
		page, err := client.ListEvents(ctx, calendarID, q)
		if err != nil {
			if errors.Is(err, provider.ErrCursorInvalid) && q.SyncToken != "" {
				return pullResult{cursorInvalid: true}, nil
			}
			return pullResult{}, fmt.Errorf("list events (%s): %w", mode, err)
		}
		for _, skipped := range page.Skipped {
			metrics.EventSkipped()
			logger.Warn("skipping malformed event", "error", skipped)
		}
		res.events = append(res.events, page.Events...)
		if page.NextPageToken == "" {
			res.nextSyncToken = page.NextSyncToken
			return res, nil
		}
		q.PageToken = page.NextPageToken
	}
}

// inWindow keeps events overlapping [start, end) plus cancellation
// tombstones, stably ordered by start time.
func inWindow(events []provider.EventRecord, start, end time.Time) []provider.EventRecord {
	out := make([]provider.EventRecord, 0, len(events))
	for _, ev := range events {
		if ev.Cancelled() || (ev.End.After(start) && ev.Start.Before(end)) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// DiscoverCalendars records every calendar of the account's calendar list and
// soft-deletes tracked calendars that are no longer listed.
func (f *Feed) DiscoverCalendars(ctx context.Context, acct store.ExternalAccount, client provider.Client) ([]store.TrackedCalendar, error) {
	entries, err := client.ListCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list calendars for account %d: %w", acct.ID, err)
	}

	seen := make([]string, 0, len(entries))
	out := make([]store.TrackedCalendar, 0, len(entries))
	for _, entry := range entries {
		cal, err := f.calendars.Upsert(ctx, store.TrackedCalendar{
			UserID:             acct.UserID,
			AccountID:          acct.ID,
			ProviderCalendarID: entry.ID,
			Name:               entry.Summary,
			Deleted:            entry.Deleted,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert calendar %q: %w", entry.ID, err)
		}
		seen = append(seen, entry.ID)
		out = append(out, *cal)
	}

	removed, err := f.calendars.MarkMissingDeleted(ctx, acct.UserID, acct.ID, seen)
	if err != nil {
		return nil, err
	}
	f.logger.Info("discovered calendars", "account_id", acct.ID, "calendars", len(out), "removed", removed)
	return out, nil
}
