// Package rules evaluates calendar rules against incoming events.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/notify"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

// markGrace keeps a mark alive past the event start so late resyncs of a
// started event stay quiet.
const markGrace = 24 * time.Hour

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
	// Marker records sent warnings. Defaults to a LocalMarker.
	Marker Marker
}

type Engine struct {
	sender notify.Sender
	marker Marker
	logger *slog.Logger
	now    func() time.Time
}

func New(sender notify.Sender, opts Options) *Engine {
	e := &Engine{sender: sender, marker: opts.Marker, logger: opts.Logger, now: opts.Now}
	if e.marker == nil {
		e.marker = NewLocalMarker()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Evaluate applies rule to ev on a calendar owned by owner (an email address)
// and reports whether a notification was sent. Only the minimum notice policy
// has behaviour; the conflict and location flags are accepted as is.
//
// A rule warns about an event at most once; later modifications and resyncs
// of the same event id are silent.
func (e *Engine) Evaluate(ctx context.Context, rule store.CalendarRule, owner string, ev provider.EventRecord) (bool, error) {
	if !e.shortNotice(rule, ev) {
		return false, nil
	}

	key := markKey(rule, ev)
	ttl := ev.Start.Sub(e.now()) + markGrace
	if ttl < markGrace {
		ttl = markGrace
	}
	fresh, err := e.marker.Mark(ctx, key, ttl)
	if err != nil {
		e.logger.Warn("notice mark unavailable, sending anyway", "rule_id", rule.ID, "event_id", ev.ID, "error", err)
		fresh = true
	}
	if !fresh {
		metrics.Notification("duplicate")
		return false, nil
	}

	n := notify.Notification{
		Subject: subject(ev),
		To:      ev.Creator.Email,
		From:    owner,
		Body:    body(rule, owner, ev),
	}
	if err := e.sender.Send(ctx, n); err != nil {
		metrics.Notification("failed")
		if ferr := e.marker.Forget(ctx, key); ferr != nil {
			e.logger.Warn("clear notice mark", "rule_id", rule.ID, "event_id", ev.ID, "error", ferr)
		}
		return false, fmt.Errorf("rule %d: notify %s: %w", rule.ID, ev.Creator.Email, err)
	}
	metrics.Notification("sent")
	e.logger.Info("sent minimum notice warning", "rule_id", rule.ID, "user_id", rule.UserID, "event_id", ev.ID)
	return true, nil
}

func (e *Engine) shortNotice(rule store.CalendarRule, ev provider.EventRecord) bool {
	if rule.MinNotice <= 0 || ev.Cancelled() {
		return false
	}
	if ev.Synthetic || provider.IsSourceTag(ev.Source) {
		return false
	}
	creator := strings.TrimSpace(ev.Creator.Email)
	if creator == "" || allowed(rule.AllowList, creator) {
		return false
	}
	return ev.Start.Sub(e.now()) < rule.MinNotice
}

func markKey(rule store.CalendarRule, ev provider.EventRecord) string {
	return strconv.FormatInt(rule.ID, 10) + ":" + ev.ID
}

func allowed(list []string, email string) bool {
	for _, entry := range list {
		if strings.EqualFold(strings.TrimSpace(entry), email) {
			return true
		}
	}
	return false
}

func subject(ev provider.EventRecord) string {
	title := ev.Summary
	if title == "" {
		title = "(untitled event)"
	}
	if name := ev.Creator.DisplayName; name != "" {
		return fmt.Sprintf("Short notice: %s (from %s)", title, name)
	}
	return "Short notice: " + title
}

func body(rule store.CalendarRule, owner string, ev provider.EventRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi,\n\nThe event %q was scheduled with less notice than the %s minimum requested", ev.Summary, formatNotice(rule.MinNotice))
	if owner != "" {
		fmt.Fprintf(&b, " by %s", owner)
	}
	b.WriteString(".\n\nPlease consider moving it or reaching out directly")
	if owner != "" {
		fmt.Fprintf(&b, " at %s", owner)
	}
	b.WriteString(".\n")
	return b.String()
}

// formatNotice renders whole hours and minutes as "2h" or "1h30m".
func formatNotice(d time.Duration) string {
	s := d.Round(time.Minute).String()
	s = strings.TrimSuffix(s, "0s")
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
