package provider

import (
	"crypto/sha256"
	"encoding/base32"
	"regexp"
	"strings"
	"time"
)

// Wire value of the source tag stamped on every copy this service writes.
// Changing it would make existing copies look user-created.
const (
	SourceTagTitle = "cal-sync-magic"
	SourceTagURL   = "https://github.com/holdenk/cal-sync-magic"
)

// StatusCancelled marks a deleted event in incremental listings.
const StatusCancelled = "cancelled"

type Person struct {
	Email       string
	DisplayName string
}

type Attendee struct {
	Email          string
	DisplayName    string
	ResponseStatus string
	Organizer      bool
}

// EventSource is the provider's "source" link on an event.
type EventSource struct {
	Title string
	URL   string
}

// EventRecord is a single event instance as exchanged with the provider.
type EventRecord struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Status      string
	Creator     Person
	Attendees   []Attendee
	Source      *EventSource
	Private     bool
	// Synthetic is set for copies written by this service. Decoders derive it
	// from Source; encoders write Source from it.
	Synthetic bool
}

// Cancelled reports whether the record is a deletion tombstone.
func (e EventRecord) Cancelled() bool {
	return e.Status == StatusCancelled
}

// Clone returns a deep copy safe to mutate.
func (e EventRecord) Clone() EventRecord {
	out := e
	if e.Attendees != nil {
		out.Attendees = append([]Attendee(nil), e.Attendees...)
	}
	if e.Source != nil {
		src := *e.Source
		out.Source = &src
	}
	return out
}

// IsSourceTag reports whether src is this service's own tag.
func IsSourceTag(src *EventSource) bool {
	return src != nil && strings.TrimRight(src.URL, "/") == SourceTagURL
}

// Tag marks e as a synthetic copy.
func (e *EventRecord) Tag() {
	e.Synthetic = true
	e.Source = &EventSource{Title: SourceTagTitle, URL: SourceTagURL}
}

var eventIDChars = regexp.MustCompile(`^[a-v0-9]+$`)

const (
	minEventIDLen = 5
	maxEventIDLen = 1024
)

var base32hexLower = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

// ValidEventID reports whether id can be supplied as an event id on insert.
func ValidEventID(id string) bool {
	return len(id) >= minEventIDLen && len(id) <= maxEventIDLen && eventIDChars.MatchString(id)
}

// SinkEventID maps a source event id to the id used for its copies. Ids that
// are already valid client-supplied ids are kept; others (recurring instance
// ids with underscores, uppercase, too short or too long) become the
// base32hex SHA-256 of the id, which is always 52 characters.
func SinkEventID(sourceID string) string {
	if ValidEventID(sourceID) {
		return sourceID
	}
	sum := sha256.Sum256([]byte(sourceID))
	return base32hexLower.EncodeToString(sum[:])
}
