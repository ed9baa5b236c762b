// Package normalize turns a source event into the copy written to sink
// calendars of a sync link. It makes no external calls.
package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

// HiddenDescription replaces the description of copies on links that hide
// details.
const HiddenDescription = "Details hidden by calendar sync."

type Outcome int

const (
	// OutcomeOK means the returned copy should be written.
	OutcomeOK Outcome = iota
	// OutcomeLoop means the event is itself a copy written by this service.
	OutcomeLoop
	// OutcomeFiltered means the link's filters exclude the event.
	OutcomeFiltered
	// OutcomeCancelled means the event was deleted at the source; the copy only
	// carries the id, status and tag.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeLoop:
		return "loop"
	case OutcomeFiltered:
		return "filtered"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Normalizer applies the redaction options of one link. Patterns are
// compiled once.
type Normalizer struct {
	hideDetails  bool
	defaultTitle string
	titleMatch   *regexp.Regexp
	creatorMatch *regexp.Regexp
	titleRewrite *string
	threshold    int
}

// Compile prepares the options of link.
func Compile(link store.SyncLink) (*Normalizer, error) {
	n := &Normalizer{
		hideDetails:  link.HideDetails,
		titleRewrite: link.TitleRewrite,
		threshold:    link.InviteeSkipThreshold,
	}
	if link.DefaultTitle != nil {
		n.defaultTitle = *link.DefaultTitle
	}
	var err error
	if n.titleMatch, err = compile(link.TitleMatch); err != nil {
		return nil, &store.ConfigurationError{Field: "title_match", Reason: err.Error()}
	}
	if n.creatorMatch, err = compile(link.CreatorMatch); err != nil {
		return nil, &store.ConfigurationError{Field: "creator_match", Reason: err.Error()}
	}
	return n, nil
}

func compile(pattern *string) (*regexp.Regexp, error) {
	if pattern == nil || *pattern == "" {
		return nil, nil
	}
	return regexp.Compile(*pattern)
}

// Normalize compiles link and normalizes ev. A link with an invalid pattern
// filters every event.
func Normalize(link store.SyncLink, ev provider.EventRecord) (provider.EventRecord, Outcome) {
	n, err := Compile(link)
	if err != nil {
		return provider.EventRecord{}, OutcomeFiltered
	}
	return n.Normalize(ev)
}

// Normalize returns the sink copy of ev. ev is not modified.
func (n *Normalizer) Normalize(ev provider.EventRecord) (provider.EventRecord, Outcome) {
	if ev.Synthetic || provider.IsSourceTag(ev.Source) {
		return provider.EventRecord{}, OutcomeLoop
	}
	// Tombstones carry little besides the id, so they skip the filters.
	if ev.Cancelled() {
		out := provider.EventRecord{ID: ev.ID, Status: provider.StatusCancelled}
		out.Tag()
		return out, OutcomeCancelled
	}
	if n.creatorMatch != nil && !n.creatorMatch.MatchString(ev.Creator.Email) {
		return provider.EventRecord{}, OutcomeFiltered
	}
	if n.threshold > 0 && len(ev.Attendees) >= n.threshold {
		return provider.EventRecord{}, OutcomeFiltered
	}

	out := ev.Clone()
	out.Summary = n.title(ev.Summary)
	if n.hideDetails {
		out.Description = HiddenDescription
		out.Location = ""
	}
	out.Attendees = nil
	out.Private = true
	out.Tag()
	return out, OutcomeOK
}

func (n *Normalizer) title(title string) string {
	matched := n.titleMatch != nil && n.titleMatch.MatchString(title)
	switch {
	case n.defaultTitle != "" && !matched:
		return n.defaultTitle
	case matched && n.titleRewrite != nil:
		return strings.TrimSpace(n.titleMatch.ReplaceAllString(title, *n.titleRewrite))
	}
	return title
}
