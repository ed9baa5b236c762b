// Package webhook manages provider push channels: subscribing calendars and
// resolving incoming notifications to the calendar they are about.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

// ErrUnknownChannel is returned for notifications that do not resolve to a
// tracked calendar. It is benign: no pull happens.
var ErrUnknownChannel = errors.New("webhook: unknown channel")

// StateSync is the resource state of the handshake message sent right after
// a channel is created.
const StateSync = "sync"

// Notification is the channel metadata of one push message.
type Notification struct {
	ChannelID     string
	Token         string
	ResourceState string
}

type Dispatcher struct {
	calendars store.CalendarRepository
	secret    []byte
	logger    *slog.Logger
}

// New returns a dispatcher. With an empty secret channel tokens are neither
// issued nor checked.
func New(calendars store.CalendarRepository, secret string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{calendars: calendars, secret: []byte(secret), logger: logger}
}

// ChannelID derives the push channel id of cal from its UUID and provider
// calendar id.
func ChannelID(cal store.TrackedCalendar) string {
	sum := sha256.Sum256([]byte(cal.ProviderCalendarID))
	return cal.UUID + "-" + hex.EncodeToString(sum[:])[:16]
}

// Token returns the channel token sent with every notification of channelID.
func (d *Dispatcher) Token(channelID string) string {
	if len(d.secret) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(channelID))
	return hex.EncodeToString(mac.Sum(nil))
}

// EnsureSubscribed opens a push channel for cal unless it already has one.
// The calendar is marked subscribed only after the provider accepted.
func (d *Dispatcher) EnsureSubscribed(ctx context.Context, cal store.TrackedCalendar, client provider.Client, address string) error {
	if cal.Subscribed {
		return nil
	}
	id := ChannelID(cal)
	err := client.Watch(ctx, cal.ProviderCalendarID, provider.Channel{
		ID:      id,
		Address: address,
		Token:   d.Token(id),
	})
	if err != nil {
		return fmt.Errorf("watch calendar %d: %w", cal.ID, err)
	}
	if err := d.calendars.MarkSubscribed(ctx, cal.UserID, cal.ID); err != nil {
		return fmt.Errorf("mark calendar %d subscribed: %w", cal.ID, err)
	}
	d.logger.Info("subscribed to calendar", "calendar_id", cal.ID, "user_id", cal.UserID, "channel_id", id)
	return nil
}

// OnNotification resolves a push message to the calendar it is about and
// returns it for a pull. Handshake messages return nil without error.
func (d *Dispatcher) OnNotification(ctx context.Context, n Notification) (*store.TrackedCalendar, error) {
	cal, err := d.resolve(ctx, n)
	if err != nil {
		metrics.Webhook("unknown")
		return nil, err
	}
	if n.ResourceState == StateSync {
		metrics.Webhook("sync")
		return nil, nil
	}
	metrics.Webhook("accepted")
	return cal, nil
}

func (d *Dispatcher) resolve(ctx context.Context, n Notification) (*store.TrackedCalendar, error) {
	uuid, _, ok := strings.Cut(n.ChannelID, "-")
	if !ok || len(uuid) != 32 {
		return nil, ErrUnknownChannel
	}
	cal, err := d.calendars.GetByUUID(ctx, uuid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownChannel
	}
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}
	if cal.Deleted || ChannelID(*cal) != n.ChannelID {
		return nil, ErrUnknownChannel
	}
	if want := d.Token(n.ChannelID); want != "" && !hmac.Equal([]byte(want), []byte(n.Token)) {
		d.logger.Warn("notification with bad channel token", "calendar_id", cal.ID)
		return nil, ErrUnknownChannel
	}
	return cal, nil
}
