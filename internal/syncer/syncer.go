// Package syncer runs sync passes: it pulls changes for a calendar, mirrors
// them along the calendar's sync links and evaluates its rules.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jw6ventures/calsync/internal/changefeed"
	"github.com/jw6ventures/calsync/internal/credentials"
	"github.com/jw6ventures/calsync/internal/propagate"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/rules"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/webhook"
)

// ErrReauthRequired means the account's credential was revoked and the user
// has to connect it again.
var ErrReauthRequired = errors.New("account re-authorization required")

type Options struct {
	// Timeout bounds one calendar pass.
	Timeout time.Duration
	// SinkConcurrency bounds concurrent sink writes per event.
	SinkConcurrency int
	// PollConcurrency bounds concurrent calendar passes in PollAll.
	PollConcurrency int
	// WebhookAddress enables push subscriptions when set.
	WebhookAddress string
	Logger         *slog.Logger
	Now            func() time.Time
}

type Syncer struct {
	store     *store.Store
	creds     *credentials.Store
	connector provider.Connector
	feed      *changefeed.Feed
	prop      *propagate.Propagator
	rules     *rules.Engine
	hooks     *webhook.Dispatcher

	timeout     time.Duration
	pollLimit   int
	hookAddress string
	logger      *slog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	passes map[int64]*pass
}

// pass tracks the running pass of one calendar. dirty is set when another
// trigger arrives meanwhile; it causes exactly one follow-up pass.
type pass struct {
	dirty bool
}

func New(st *store.Store, creds *credentials.Store, connector provider.Connector, feed *changefeed.Feed, engine *rules.Engine, hooks *webhook.Dispatcher, opts Options) *Syncer {
	s := &Syncer{
		store:       st,
		creds:       creds,
		connector:   connector,
		feed:        feed,
		rules:       engine,
		hooks:       hooks,
		timeout:     opts.Timeout,
		pollLimit:   opts.PollConcurrency,
		hookAddress: opts.WebhookAddress,
		logger:      opts.Logger,
		now:         opts.Now,
		passes:      make(map[int64]*pass),
	}
	if s.timeout <= 0 {
		s.timeout = 2 * time.Minute
	}
	if s.pollLimit < 1 {
		s.pollLimit = 4
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.prop = propagate.New(st.Links, s, propagate.Options{Concurrency: opts.SinkConcurrency, Logger: s.logger})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Close cancels background passes started by TriggerAsync and waits for them.
func (s *Syncer) Close() {
	s.cancel()
	s.wg.Wait()
}

// client returns a provider client for acct, mapping a revoked credential to
// ErrReauthRequired.
func (s *Syncer) client(ctx context.Context, acct store.ExternalAccount) (provider.Client, error) {
	tok, err := s.creds.Get(ctx, acct)
	if errors.Is(err, credentials.ErrRevoked) {
		return nil, fmt.Errorf("account %d: %w", acct.ID, ErrReauthRequired)
	}
	if err != nil {
		return nil, err
	}
	return s.connector.Connect(ctx, tok)
}

// ClientFor returns a client for the account owning cal. Sink writes use it.
func (s *Syncer) ClientFor(ctx context.Context, cal store.TrackedCalendar) (provider.Client, error) {
	acct, err := s.store.Accounts.Get(ctx, cal.UserID, cal.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account %d: %w", cal.AccountID, err)
	}
	return s.client(ctx, *acct)
}

// SyncCalendar runs one pass for cal: pull changes, propagate them along every
// link sourced at cal and evaluate the calendar's rules. A failed pass stamps
// the calendar's last error; a clean one clears it.
func (s *Syncer) SyncCalendar(ctx context.Context, cal store.TrackedCalendar) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	logger := s.logger.With("calendar_id", cal.ID, "user_id", cal.UserID)

	acct, err := s.store.Accounts.Get(ctx, cal.UserID, cal.AccountID)
	if err != nil {
		return fmt.Errorf("load account %d: %w", cal.AccountID, err)
	}
	if !acct.CalendarSyncEnabled {
		logger.Debug("calendar sync disabled for account, skipping", "account_id", acct.ID)
		return nil
	}
	if cal.Deleted {
		logger.Debug("calendar deleted upstream, skipping")
		return nil
	}

	err = s.sync(ctx, *acct, cal, logger)
	s.recordResult(cal, err, logger)
	return err
}

func (s *Syncer) sync(ctx context.Context, acct store.ExternalAccount, cal store.TrackedCalendar, logger *slog.Logger) error {
	client, err := s.client(ctx, acct)
	if err != nil {
		return err
	}

	if s.hookAddress != "" && !cal.Subscribed {
		if err := s.hooks.EnsureSubscribed(ctx, cal, client, s.hookAddress); err != nil {
			logger.Warn("push subscription failed, relying on polling", "error", err)
		}
	}

	events, err := s.feed.GetChanges(ctx, cal, client)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	links, err := s.store.Links.ListBySource(ctx, cal.UserID, cal.ID)
	if err != nil {
		return fmt.Errorf("load links: %w", err)
	}
	calRules, err := s.store.Rules.ListByCalendar(ctx, cal.UserID, cal.ID)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	var errs []error
	for _, ev := range events {
		for _, link := range links {
			res := s.prop.Propagate(ctx, link, cal, ev)
			for _, sink := range res.Sinks {
				if sink.Err != nil {
					errs = append(errs, fmt.Errorf("link %d: %w", link.ID, sink.Err))
				}
			}
		}
		for _, rule := range calRules {
			if _, err := s.rules.Evaluate(ctx, rule, acct.ProviderEmail, ev); err != nil {
				logger.Warn("rule evaluation failed", "rule_id", rule.ID, "error", err)
				errs = append(errs, err)
			}
		}
	}
	logger.Info("calendar synced", "events", len(events), "links", len(links), "rules", len(calRules), "failures", len(errs))
	return errors.Join(errs...)
}

func (s *Syncer) recordResult(cal store.TrackedCalendar, syncErr error, logger *slog.Logger) {
	// The pass context may be spent; bookkeeping gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if syncErr != nil {
		logger.Error("calendar sync failed", "error", syncErr)
		now := s.now().UTC()
		if err := s.store.Calendars.SetLastError(ctx, cal.UserID, cal.ID, &now); err != nil {
			logger.Error("record last error", "error", err)
		}
		return
	}
	if cal.LastError != nil {
		if err := s.store.Calendars.SetLastError(ctx, cal.UserID, cal.ID, nil); err != nil {
			logger.Error("clear last error", "error", err)
		}
	}
}

// SyncCalendarByID loads a user's calendar and syncs it.
func (s *Syncer) SyncCalendarByID(ctx context.Context, userID, calendarID int64) error {
	cal, err := s.store.Calendars.Get(ctx, userID, calendarID)
	if err != nil {
		return err
	}
	return s.SyncCalendar(ctx, *cal)
}

// PollAll syncs every active calendar. Individual failures are logged and
// recorded on the calendar; only failing to enumerate is returned.
func (s *Syncer) PollAll(ctx context.Context) error {
	cals, err := s.store.Calendars.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active calendars: %w", err)
	}
	s.logger.Info("polling calendars", "count", len(cals))

	var g errgroup.Group
	g.SetLimit(s.pollLimit)
	for _, cal := range cals {
		g.Go(func() error {
			if err := s.syncOnce(ctx, cal); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("poll failed", "calendar_id", cal.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// syncOnce runs a pass for cal unless one is already running. A trigger that
// arrives during a pass is not dropped: the running pass is followed by one
// more, so changes made after its pull are still picked up.
func (s *Syncer) syncOnce(ctx context.Context, cal store.TrackedCalendar) error {
	s.mu.Lock()
	if p, ok := s.passes[cal.ID]; ok {
		p.dirty = true
		s.mu.Unlock()
		return nil
	}
	p := &pass{}
	s.passes[cal.ID] = p
	s.mu.Unlock()

	for {
		err := s.SyncCalendar(ctx, cal)

		s.mu.Lock()
		if !p.dirty || ctx.Err() != nil {
			delete(s.passes, cal.ID)
			s.mu.Unlock()
			return err
		}
		p.dirty = false
		s.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("sync pass failed, running queued pass", "calendar_id", cal.ID, "error", err)
		}
		if fresh, err := s.store.Calendars.Get(ctx, cal.UserID, cal.ID); err == nil {
			cal = *fresh
		}
	}
}

// TriggerAsync schedules a pass for cal in the background, for webhook
// notifications.
func (s *Syncer) TriggerAsync(cal store.TrackedCalendar) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("sync goroutine panicked",
					"calendar_id", cal.ID,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		if err := s.syncOnce(s.ctx, cal); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("triggered sync failed", "calendar_id", cal.ID, "error", err)
		}
	}()
}

// DiscoverAccount refreshes the calendar list of one account.
func (s *Syncer) DiscoverAccount(ctx context.Context, userID, accountID int64) ([]store.TrackedCalendar, error) {
	acct, err := s.store.Accounts.Get(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	client, err := s.client(ctx, *acct)
	if err != nil {
		return nil, err
	}
	return s.feed.DiscoverCalendars(ctx, *acct, client)
}

// AccountDiscovery is the outcome of refreshing one account's calendars.
type AccountDiscovery struct {
	Account   store.ExternalAccount
	Calendars []store.TrackedCalendar
	Err       error
}

// DiscoverUser refreshes the calendar lists of all of a user's accounts. It
// keeps going past accounts that fail and reports each outcome; the error is
// only set when the accounts cannot be listed.
func (s *Syncer) DiscoverUser(ctx context.Context, userID int64) ([]AccountDiscovery, error) {
	accts, err := s.store.Accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]AccountDiscovery, 0, len(accts))
	for _, acct := range accts {
		cals, err := s.DiscoverAccount(ctx, userID, acct.ID)
		if err != nil {
			s.logger.Warn("calendar discovery failed", "account_id", acct.ID, "error", err)
		}
		out = append(out, AccountDiscovery{Account: acct, Calendars: cals, Err: err})
	}
	return out, nil
}

// Subscribe opens push channels for the given calendars of a user. It is a
// no-op when no webhook address is configured.
func (s *Syncer) Subscribe(ctx context.Context, userID int64, calendarIDs []int64) error {
	if s.hookAddress == "" {
		return nil
	}
	var errs []error
	for _, id := range calendarIDs {
		cal, err := s.store.Calendars.Get(ctx, userID, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		client, err := s.ClientFor(ctx, *cal)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.hooks.EnsureSubscribed(ctx, *cal, client, s.hookAddress); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
