package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// calendarRepo implements CalendarRepository.
type calendarRepo struct {
	pool PgxPool
}

const calendarColumns = `c.id, c.user_id, c.account_id, c.provider_calendar_id, c.name, c.deleted,
	c.last_error, c.sync_token, c.subscribed, c.uuid`

func scanCalendar(row rowScanner) (*TrackedCalendar, error) {
	var cal TrackedCalendar
	if err := row.Scan(
		&cal.ID,
		&cal.UserID,
		&cal.AccountID,
		&cal.ProviderCalendarID,
		&cal.Name,
		&cal.Deleted,
		&cal.LastError,
		&cal.SyncToken,
		&cal.Subscribed,
		&cal.UUID,
	); err != nil {
		return nil, err
	}
	return &cal, nil
}

// NewCalendarUUID returns a random 32 character hex id.
func NewCalendarUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (r *calendarRepo) Upsert(ctx context.Context, cal TrackedCalendar) (*TrackedCalendar, error) {
	defer observeDB(ctx, "calendars.upsert")()
	// The SELECT from external_accounts makes the insert a no-op for an
	// account the user does not own.
	const q = `INSERT INTO tracked_calendars AS c (user_id, account_id, provider_calendar_id, name, deleted, uuid)
SELECT $1, a.id, $3, $4, $5, $6 FROM external_accounts a WHERE a.id=$2 AND a.user_id=$1
ON CONFLICT (user_id, account_id, provider_calendar_id) DO UPDATE
SET name = EXCLUDED.name, deleted = EXCLUDED.deleted
RETURNING ` + calendarColumns
	out, err := scanCalendar(r.pool.QueryRow(ctx, q,
		cal.UserID, cal.AccountID, cal.ProviderCalendarID, cal.Name, cal.Deleted, NewCalendarUUID()))
	if err != nil {
		return nil, notFound(err)
	}
	return out, nil
}

func (r *calendarRepo) Get(ctx context.Context, userID, id int64) (*TrackedCalendar, error) {
	defer observeDB(ctx, "calendars.get")()
	q := `SELECT ` + calendarColumns + ` FROM tracked_calendars c WHERE c.user_id=$1 AND c.id=$2`
	out, err := scanCalendar(r.pool.QueryRow(ctx, q, userID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return out, nil
}

func (r *calendarRepo) GetByUUID(ctx context.Context, id string) (*TrackedCalendar, error) {
	defer observeDB(ctx, "calendars.get_by_uuid")()
	q := `SELECT ` + calendarColumns + ` FROM tracked_calendars c WHERE c.uuid=$1`
	out, err := scanCalendar(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err)
	}
	return out, nil
}

func (r *calendarRepo) ListByUser(ctx context.Context, userID int64) ([]TrackedCalendar, error) {
	defer observeDB(ctx, "calendars.list_by_user")()
	q := `SELECT ` + calendarColumns + ` FROM tracked_calendars c WHERE c.user_id=$1 ORDER BY c.id`
	return r.list(ctx, q, userID)
}

func (r *calendarRepo) ListByAccount(ctx context.Context, userID, accountID int64) ([]TrackedCalendar, error) {
	defer observeDB(ctx, "calendars.list_by_account")()
	q := `SELECT ` + calendarColumns + ` FROM tracked_calendars c WHERE c.user_id=$1 AND c.account_id=$2 ORDER BY c.id`
	return r.list(ctx, q, userID, accountID)
}

// ListActive returns calendars worth polling: not deleted, on an account with
// sync enabled and usable credentials, and used by a link or a rule.
func (r *calendarRepo) ListActive(ctx context.Context) ([]TrackedCalendar, error) {
	defer observeDB(ctx, "calendars.list_active")()
	q := `SELECT ` + calendarColumns + ` FROM tracked_calendars c
JOIN external_accounts a ON a.id = c.account_id AND a.user_id = c.user_id
WHERE NOT c.deleted
  AND a.calendar_sync_enabled
  AND a.credentials IS NOT NULL
  AND (EXISTS (SELECT 1 FROM sync_link_sources s WHERE s.calendar_id = c.id)
       OR EXISTS (SELECT 1 FROM calendar_rule_calendars rc WHERE rc.calendar_id = c.id))
ORDER BY c.id`
	return r.list(ctx, q)
}

func (r *calendarRepo) list(ctx context.Context, q string, args ...any) ([]TrackedCalendar, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	defer rows.Close()

	var out []TrackedCalendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar: %w", err)
		}
		out = append(out, *cal)
	}
	return out, rows.Err()
}

func (r *calendarRepo) MarkMissingDeleted(ctx context.Context, userID, accountID int64, keep []string) (int64, error) {
	defer observeDB(ctx, "calendars.mark_missing_deleted")()
	if keep == nil {
		keep = []string{}
	}
	const q = `UPDATE tracked_calendars SET deleted=TRUE
WHERE user_id=$1 AND account_id=$2 AND NOT deleted AND NOT (provider_calendar_id = ANY($3))`
	tag, err := r.pool.Exec(ctx, q, userID, accountID, keep)
	if err != nil {
		return 0, fmt.Errorf("mark missing calendars: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *calendarRepo) UpdateSyncToken(ctx context.Context, userID, id int64, token *string) error {
	defer observeDB(ctx, "calendars.update_sync_token")()
	const q = `UPDATE tracked_calendars SET sync_token=$3 WHERE user_id=$1 AND id=$2`
	return execOne(ctx, r.pool, q, userID, id, token)
}

func (r *calendarRepo) SetLastError(ctx context.Context, userID, id int64, at *time.Time) error {
	defer observeDB(ctx, "calendars.set_last_error")()
	const q = `UPDATE tracked_calendars SET last_error=$3 WHERE user_id=$1 AND id=$2`
	return execOne(ctx, r.pool, q, userID, id, at)
}

func (r *calendarRepo) MarkSubscribed(ctx context.Context, userID, id int64) error {
	defer observeDB(ctx, "calendars.mark_subscribed")()
	const q = `UPDATE tracked_calendars SET subscribed=TRUE WHERE user_id=$1 AND id=$2`
	return execOne(ctx, r.pool, q, userID, id)
}
