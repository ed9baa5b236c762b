// Package google implements provider.Client on the Google Calendar v3 API.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jw6ventures/calsync/internal/provider"
)

const (
	pageSize      = 250
	sendUpdates   = "none"
	channelType   = "web_hook"
	visibilityPrv = "private"
	dateLayout    = "2006-01-02"
)

// Connector creates API clients from per-account tokens.
type Connector struct {
	opts []option.ClientOption
}

// NewConnector returns a Connector. Extra options are appended to every
// client, which lets tests point the API at a local server.
func NewConnector(opts ...option.ClientOption) *Connector {
	return &Connector{opts: opts}
}

func (c *Connector) Connect(ctx context.Context, token *oauth2.Token) (provider.Client, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}, c.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return New(svc), nil
}

// Client adapts a calendar.Service.
type Client struct {
	svc *calendar.Service
}

func New(svc *calendar.Service) *Client {
	return &Client{svc: svc}
}

func (c *Client) ListCalendars(ctx context.Context) ([]provider.CalendarEntry, error) {
	var out []provider.CalendarEntry
	pageToken := ""
	for {
		call := c.svc.CalendarList.List().ShowDeleted(true).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, mapError(err)
		}
		for _, item := range list.Items {
			if item == nil || item.Id == "" {
				continue
			}
			out = append(out, provider.CalendarEntry{
				ID:      item.Id,
				Summary: item.Summary,
				Deleted: item.Deleted,
			})
		}
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

// ListEvents fetches one page. Google refuses time bounds and ordering
// together with a sync token, so those are dropped on incremental requests
// and the caller re-applies them.
func (c *Client) ListEvents(ctx context.Context, calendarID string, q provider.EventQuery) (provider.EventPage, error) {
	call := c.svc.Events.List(calendarID).
		SingleEvents(q.SingleEvents).
		MaxResults(pageSize).
		Context(ctx)
	if q.SyncToken != "" {
		call = call.SyncToken(q.SyncToken)
	} else {
		if !q.TimeMin.IsZero() {
			call = call.TimeMin(q.TimeMin.UTC().Format(time.RFC3339))
		}
		if !q.TimeMax.IsZero() {
			call = call.TimeMax(q.TimeMax.UTC().Format(time.RFC3339))
		}
		if q.OrderByStart && q.SingleEvents {
			call = call.OrderBy("startTime")
		}
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	events, err := call.Do()
	if err != nil {
		return provider.EventPage{}, mapError(err)
	}

	page := provider.EventPage{
		NextPageToken: events.NextPageToken,
		NextSyncToken: events.NextSyncToken,
	}
	for _, item := range events.Items {
		rec, err := decodeEvent(item)
		if err != nil {
			page.Skipped = append(page.Skipped, err)
			continue
		}
		page.Events = append(page.Events, rec)
	}
	return page, nil
}

func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*provider.EventRecord, error) {
	ev, err := c.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err)
	}
	rec, err := decodeEvent(ev)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) InsertEvent(ctx context.Context, calendarID string, ev provider.EventRecord) (*provider.EventRecord, error) {
	created, err := c.svc.Events.Insert(calendarID, encodeEvent(ev)).
		SendUpdates(sendUpdates).
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapError(err)
	}
	rec, err := decodeEvent(created)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) PatchEvent(ctx context.Context, calendarID, eventID string, ev provider.EventRecord) (*provider.EventRecord, error) {
	body := encodeEvent(ev)
	body.Id = ""
	if !ev.Cancelled() {
		// Empty values must still be sent so redaction clears old content.
		body.ForceSendFields = []string{"Summary", "Description", "Location", "Attendees", "Visibility"}
	}
	patched, err := c.svc.Events.Patch(calendarID, eventID, body).
		SendUpdates(sendUpdates).
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapError(err)
	}
	rec, err := decodeEvent(patched)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Watch(ctx context.Context, calendarID string, ch provider.Channel) error {
	_, err := c.svc.Events.Watch(calendarID, &calendar.Channel{
		Id:      ch.ID,
		Type:    channelType,
		Address: ch.Address,
		Token:   ch.Token,
	}).Context(ctx).Do()
	if err != nil {
		return mapError(err)
	}
	return nil
}

func mapError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusGone:
			return fmt.Errorf("%w: %v", provider.ErrCursorInvalid, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
		}
	}
	return err
}

func decodeEvent(ev *calendar.Event) (provider.EventRecord, error) {
	if ev == nil {
		return provider.EventRecord{}, &provider.DecodeError{Field: "event"}
	}
	if ev.Id == "" {
		return provider.EventRecord{}, &provider.DecodeError{Field: "id"}
	}

	rec := provider.EventRecord{
		ID:          ev.Id,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      ev.Status,
		Private:     ev.Visibility == visibilityPrv,
	}
	if ev.Creator != nil {
		rec.Creator = provider.Person{Email: ev.Creator.Email, DisplayName: ev.Creator.DisplayName}
	}
	for _, a := range ev.Attendees {
		if a == nil {
			continue
		}
		rec.Attendees = append(rec.Attendees, provider.Attendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
			Organizer:      a.Organizer,
		})
	}
	if ev.Source != nil {
		rec.Source = &provider.EventSource{Title: ev.Source.Title, URL: ev.Source.Url}
		rec.Synthetic = provider.IsSourceTag(rec.Source)
	}

	if rec.Cancelled() {
		// Tombstones in incremental listings carry no times.
		if start, _, err := decodeTime(ev.Start); err == nil {
			rec.Start = start
		}
		if end, _, err := decodeTime(ev.End); err == nil {
			rec.End = end
		}
		return rec, nil
	}

	start, allDay, err := decodeTime(ev.Start)
	if err != nil {
		return provider.EventRecord{}, &provider.DecodeError{EventID: ev.Id, Field: "start", Err: err}
	}
	end, _, err := decodeTime(ev.End)
	if err != nil {
		return provider.EventRecord{}, &provider.DecodeError{EventID: ev.Id, Field: "end", Err: err}
	}
	rec.Start, rec.End, rec.AllDay = start, end, allDay
	return rec, nil
}

var errNoTime = errors.New("no date or dateTime")

func decodeTime(dt *calendar.EventDateTime) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, errNoTime
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}
	if dt.Date != "" {
		t, err := time.Parse(dateLayout, dt.Date)
		return t, true, err
	}
	return time.Time{}, false, errNoTime
}

func encodeEvent(rec provider.EventRecord) *calendar.Event {
	ev := &calendar.Event{
		Id:          rec.ID,
		Summary:     rec.Summary,
		Description: rec.Description,
		Location:    rec.Location,
		Status:      rec.Status,
	}
	if rec.Cancelled() {
		return ev
	}
	ev.Start = encodeTime(rec.Start, rec.AllDay)
	ev.End = encodeTime(rec.End, rec.AllDay)
	if rec.Private {
		ev.Visibility = visibilityPrv
	}
	ev.Attendees = make([]*calendar.EventAttendee, 0, len(rec.Attendees))
	for _, a := range rec.Attendees {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
		})
	}
	if rec.Synthetic {
		ev.Source = &calendar.EventSource{Title: provider.SourceTagTitle, Url: provider.SourceTagURL}
	} else if rec.Source != nil {
		ev.Source = &calendar.EventSource{Title: rec.Source.Title, Url: rec.Source.URL}
	}
	return ev
}

func encodeTime(t time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.Format(dateLayout)}
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
}
