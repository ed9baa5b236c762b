package store

import (
	"context"
	"time"
)

// AccountRepository persists external accounts. Every method is scoped by
// the owning user.
type AccountRepository interface {
	Upsert(ctx context.Context, acct ExternalAccount) (*ExternalAccount, error)
	Get(ctx context.Context, userID, id int64) (*ExternalAccount, error)
	ListByUser(ctx context.Context, userID int64) ([]ExternalAccount, error)
	UpdateCredentials(ctx context.Context, userID, id int64, blob []byte, expiry *time.Time, refreshedAt time.Time) error
	ClearCredentials(ctx context.Context, userID, id int64) error
	UpdateFlags(ctx context.Context, userID, id int64, flags AccountFlags) error
	Delete(ctx context.Context, userID, id int64) error
}

// CalendarRepository persists tracked calendars.
type CalendarRepository interface {
	// Upsert inserts or updates by (user, account, provider calendar id). The
	// UUID of an existing row is never changed.
	Upsert(ctx context.Context, cal TrackedCalendar) (*TrackedCalendar, error)
	Get(ctx context.Context, userID, id int64) (*TrackedCalendar, error)
	// GetByUUID resolves a push channel. It is not user scoped; callers scope
	// all later queries by the returned UserID.
	GetByUUID(ctx context.Context, uuid string) (*TrackedCalendar, error)
	ListByUser(ctx context.Context, userID int64) ([]TrackedCalendar, error)
	ListByAccount(ctx context.Context, userID, accountID int64) ([]TrackedCalendar, error)
	// ListActive enumerates non-deleted calendars of sync-enabled accounts for
	// the scheduler. It is not user scoped.
	ListActive(ctx context.Context) ([]TrackedCalendar, error)
	// MarkMissingDeleted soft-deletes calendars of the account whose provider
	// id is not in keep.
	MarkMissingDeleted(ctx context.Context, userID, accountID int64, keep []string) (int64, error)
	UpdateSyncToken(ctx context.Context, userID, id int64, token *string) error
	SetLastError(ctx context.Context, userID, id int64, at *time.Time) error
	MarkSubscribed(ctx context.Context, userID, id int64) error
}

// LinkRepository persists sync links.
type LinkRepository interface {
	// Create rejects links that reference calendars of another user with a
	// ConfigurationError.
	Create(ctx context.Context, link SyncLink) (*SyncLink, error)
	Get(ctx context.Context, userID, id int64) (*SyncLink, error)
	ListByUser(ctx context.Context, userID int64) ([]SyncLink, error)
	ListBySource(ctx context.Context, userID, calendarID int64) ([]SyncLink, error)
	// Sinks loads the sink calendars of a link, joined on the link owner.
	Sinks(ctx context.Context, userID, linkID int64) ([]TrackedCalendar, error)
	Delete(ctx context.Context, userID, id int64) error
}

// RuleRepository persists calendar rules.
type RuleRepository interface {
	Create(ctx context.Context, rule CalendarRule) (*CalendarRule, error)
	ListByUser(ctx context.Context, userID int64) ([]CalendarRule, error)
	ListByCalendar(ctx context.Context, userID, calendarID int64) ([]CalendarRule, error)
	Delete(ctx context.Context, userID, id int64) error
}
