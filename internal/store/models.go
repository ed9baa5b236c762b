package store

import "time"

// ExternalAccount is a connected provider account owned by a user. Credentials
// holds the sealed OAuth blob; nil means the account must be re-authorized.
type ExternalAccount struct {
	ID                    int64
	UserID                int64
	ProviderEmail         string
	Credentials           []byte
	CredentialExpiry      *time.Time
	LastRefreshed         time.Time
	CalendarSyncEnabled   bool
	SecondChanceEmail     bool
	DeleteEventsFromEmail bool
	CreatedAt             time.Time
}

// AccountFlags are the user-editable feature toggles of an account.
type AccountFlags struct {
	CalendarSyncEnabled   bool
	SecondChanceEmail     bool
	DeleteEventsFromEmail bool
}

// TrackedCalendar is a provider calendar discovered on an account.
type TrackedCalendar struct {
	ID                 int64
	UserID             int64
	AccountID          int64
	ProviderCalendarID string
	Name               string
	Deleted            bool
	LastError          *time.Time
	// SyncToken is nil or a value the provider issued.
	SyncToken  *string
	Subscribed bool
	// UUID is random and never changes after creation.
	UUID string
}

// SyncLink mirrors events from its sources to its sinks.
type SyncLink struct {
	ID                   int64
	UserID               int64
	SourceIDs            []int64
	SinkIDs              []int64
	HideDetails          bool
	DefaultTitle         *string
	TitleMatch           *string
	CreatorMatch         *string
	TitleRewrite         *string
	InviteeSkipThreshold int
	CreatedAt            time.Time
}

// CalendarRule configures notifications for events on its calendars. Only
// MinNotice and AllowList are acted on; the remaining flags are stored but
// have no behaviour.
type CalendarRule struct {
	ID                      int64
	UserID                  int64
	CalendarIDs             []int64
	MinNotice               time.Duration
	AllowList               []string
	WarnLocationMismatch    bool
	SoftMaybeConflict       bool
	DeclineConflict         bool
	AllowListConflict       bool
	TryDeleteCanceledEvents bool
	CreatedAt               time.Time
}
