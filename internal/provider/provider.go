// Package provider models the external calendar API: calendar listing, event
// listing with sync tokens, event reads/writes and push subscriptions.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrNotFound is returned when an event or calendar does not exist.
	ErrNotFound = errors.New("provider: not found")
	// ErrCursorInvalid is returned when the provider rejects a sync token.
	ErrCursorInvalid = errors.New("provider: sync token invalidated")
)

// DecodeError reports a provider payload that could not be mapped onto an
// EventRecord.
type DecodeError struct {
	EventID string
	Field   string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode event %q: field %s: %v", e.EventID, e.Field, e.Err)
	}
	return fmt.Sprintf("decode event %q: field %s missing", e.EventID, e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CalendarEntry is one item of the account's calendar list.
type CalendarEntry struct {
	ID      string
	Summary string
	Deleted bool
}

// EventQuery selects a page of events.
type EventQuery struct {
	TimeMin      time.Time
	TimeMax      time.Time
	SyncToken    string
	PageToken    string
	SingleEvents bool
	OrderByStart bool
}

// EventPage is one page of an event listing. NextSyncToken is only set on the
// final page.
type EventPage struct {
	Events        []EventRecord
	NextPageToken string
	NextSyncToken string
	// Skipped holds items that failed to decode.
	Skipped []error
}

// Channel describes a push subscription request.
type Channel struct {
	ID      string
	Address string
	Token   string
}

// Client is the subset of the provider API used by the sync engine. Every
// call is a blocking network round trip bounded by ctx.
type Client interface {
	ListCalendars(ctx context.Context) ([]CalendarEntry, error)
	ListEvents(ctx context.Context, calendarID string, q EventQuery) (EventPage, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, calendarID string, ev EventRecord) (*EventRecord, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, ev EventRecord) (*EventRecord, error)
	Watch(ctx context.Context, calendarID string, ch Channel) error
}

// Connector builds a Client authorised by a token.
type Connector interface {
	Connect(ctx context.Context, token *oauth2.Token) (Client, error)
}
