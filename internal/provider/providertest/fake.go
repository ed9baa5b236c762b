// Package providertest provides an in-memory provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/provider"
)

// Call records one mutating request made against the fake.
type Call struct {
	Op         string
	CalendarID string
	EventID    string
	Event      provider.EventRecord
}

type calendarState struct {
	summary string
	deleted bool
	events  map[string]provider.EventRecord
	// changes is the append-only log of touched event ids.
	changes []string
}

// Client is a thread-safe fake calendar account. Sync tokens are the change
// log offset at the time of the listing, so an incremental listing returns
// exactly the events touched since.
type Client struct {
	mu        sync.Mutex
	calendars map[string]*calendarState
	order     []string
	// PageSize splits listings into pages when positive.
	PageSize int

	invalid  map[string]bool
	failures map[string]error
	calls    []Call
	watches  []provider.Channel
	queries  []provider.EventQuery
}

func New() *Client {
	return &Client{
		calendars: make(map[string]*calendarState),
		invalid:   make(map[string]bool),
		failures:  make(map[string]error),
	}
}

// AddCalendar registers a calendar in the account's calendar list.
func (c *Client) AddCalendar(id, summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calendar(id).summary = summary
}

// RemoveCalendar marks a calendar as deleted from the calendar list.
func (c *Client) RemoveCalendar(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calendar(id).deleted = true
}

// PutEvent stores ev as if a user had created or edited it.
func (c *Client) PutEvent(calendarID string, ev provider.EventRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(calendarID, ev)
}

// Event returns the stored event, if any.
func (c *Client) Event(calendarID, eventID string) (provider.EventRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cal, ok := c.calendars[calendarID]
	if !ok {
		return provider.EventRecord{}, false
	}
	ev, ok := cal.events[eventID]
	return ev.Clone(), ok
}

// Events returns all events of a calendar sorted by id.
func (c *Client) Events(calendarID string) []provider.EventRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	cal, ok := c.calendars[calendarID]
	if !ok {
		return nil
	}
	out := make([]provider.EventRecord, 0, len(cal.events))
	for _, ev := range cal.events {
		out = append(out, ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InvalidateTokens makes the next incremental listing of calendarID fail
// with provider.ErrCursorInvalid.
func (c *Client) InvalidateTokens(calendarID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalid[calendarID] = true
}

// FailOn makes every call of op ("list", "get", "insert", "patch", "watch",
// "calendars") against calendarID return err. A nil err clears the failure.
func (c *Client) FailOn(op, calendarID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := op + "/" + calendarID
	if err == nil {
		delete(c.failures, key)
		return
	}
	c.failures[key] = err
}

// Calls returns the recorded mutating calls.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Watches returns the recorded push subscriptions.
func (c *Client) Watches() []provider.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.Channel(nil), c.watches...)
}

// Queries returns the listing requests received.
func (c *Client) Queries() []provider.EventQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.EventQuery(nil), c.queries...)
}

func (c *Client) ListCalendars(ctx context.Context) ([]provider.CalendarEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("calendars", ""); err != nil {
		return nil, err
	}
	out := make([]provider.CalendarEntry, 0, len(c.order))
	for _, id := range c.order {
		cal := c.calendars[id]
		out = append(out, provider.CalendarEntry{ID: id, Summary: cal.summary, Deleted: cal.deleted})
	}
	return out, nil
}

func (c *Client) ListEvents(ctx context.Context, calendarID string, q provider.EventQuery) (provider.EventPage, error) {
	if err := ctx.Err(); err != nil {
		return provider.EventPage{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	if err := c.failure("list", calendarID); err != nil {
		return provider.EventPage{}, err
	}
	cal := c.calendar(calendarID)

	var ids []string
	if q.SyncToken != "" {
		if c.invalid[calendarID] {
			delete(c.invalid, calendarID)
			return provider.EventPage{}, fmt.Errorf("%w: token %s", provider.ErrCursorInvalid, q.SyncToken)
		}
		offset, err := strconv.Atoi(q.SyncToken)
		if err != nil || offset < 0 || offset > len(cal.changes) {
			return provider.EventPage{}, fmt.Errorf("%w: token %s", provider.ErrCursorInvalid, q.SyncToken)
		}
		seen := make(map[string]bool)
		for _, id := range cal.changes[offset:] {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	} else {
		for id, ev := range cal.events {
			if ev.Cancelled() {
				continue
			}
			if !q.TimeMin.IsZero() && !ev.End.After(q.TimeMin) {
				continue
			}
			if !q.TimeMax.IsZero() && !ev.Start.Before(q.TimeMax) {
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := cal.events[ids[i]], cal.events[ids[j]]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})

	start := 0
	if q.PageToken != "" {
		n, err := strconv.Atoi(q.PageToken)
		if err != nil {
			return provider.EventPage{}, fmt.Errorf("bad page token %q", q.PageToken)
		}
		start = n
	}
	end := len(ids)
	if c.PageSize > 0 && start+c.PageSize < end {
		end = start + c.PageSize
	}

	var page provider.EventPage
	for _, id := range ids[start:end] {
		page.Events = append(page.Events, cal.events[id].Clone())
	}
	if end < len(ids) {
		page.NextPageToken = strconv.Itoa(end)
	} else {
		page.NextSyncToken = strconv.Itoa(len(cal.changes))
	}
	return page, nil
}

func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*provider.EventRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("get", calendarID); err != nil {
		return nil, err
	}
	cal, ok := c.calendars[calendarID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	ev, ok := cal.events[eventID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	out := ev.Clone()
	return &out, nil
}

func (c *Client) InsertEvent(ctx context.Context, calendarID string, ev provider.EventRecord) (*provider.EventRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: "insert", CalendarID: calendarID, EventID: ev.ID, Event: ev.Clone()})
	if err := c.failure("insert", calendarID); err != nil {
		return nil, err
	}
	cal := c.calendar(calendarID)
	if _, exists := cal.events[ev.ID]; exists {
		return nil, fmt.Errorf("event %s already exists", ev.ID)
	}
	c.store(calendarID, ev)
	out := ev.Clone()
	return &out, nil
}

func (c *Client) PatchEvent(ctx context.Context, calendarID, eventID string, ev provider.EventRecord) (*provider.EventRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: "patch", CalendarID: calendarID, EventID: eventID, Event: ev.Clone()})
	if err := c.failure("patch", calendarID); err != nil {
		return nil, err
	}
	cal := c.calendar(calendarID)
	existing, ok := cal.events[eventID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	if ev.Cancelled() {
		existing.Status = provider.StatusCancelled
		ev = existing
	}
	ev.ID = eventID
	c.store(calendarID, ev)
	out := ev.Clone()
	return &out, nil
}

func (c *Client) Watch(ctx context.Context, calendarID string, ch provider.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("watch", calendarID); err != nil {
		return err
	}
	c.watches = append(c.watches, ch)
	return nil
}

func (c *Client) calendar(id string) *calendarState {
	cal, ok := c.calendars[id]
	if !ok {
		cal = &calendarState{events: make(map[string]provider.EventRecord)}
		c.calendars[id] = cal
		c.order = append(c.order, id)
	}
	return cal
}

func (c *Client) store(calendarID string, ev provider.EventRecord) {
	cal := c.calendar(calendarID)
	cal.events[ev.ID] = ev.Clone()
	cal.changes = append(cal.changes, ev.ID)
}

func (c *Client) failure(op, calendarID string) error {
	return c.failures[op+"/"+calendarID]
}

// Connector hands out fake clients keyed by access token.
type Connector struct {
	mu      sync.Mutex
	clients map[string]*Client
	tokens  []string
}

func NewConnector() *Connector {
	return &Connector{clients: make(map[string]*Client)}
}

// Register binds accessToken to client.
func (c *Connector) Register(accessToken string, client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[accessToken] = client
}

// Tokens returns the access tokens Connect was called with.
func (c *Connector) Tokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tokens...)
}

func (c *Connector) Connect(ctx context.Context, token *oauth2.Token) (provider.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == nil {
		return nil, fmt.Errorf("nil token")
	}
	c.tokens = append(c.tokens, token.AccessToken)
	client, ok := c.clients[token.AccessToken]
	if !ok {
		return nil, fmt.Errorf("no client for token %q", token.AccessToken)
	}
	return client, nil
}
