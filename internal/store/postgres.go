package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// accountRepo implements AccountRepository.
type accountRepo struct {
	pool PgxPool
}

const accountColumns = `a.id, a.user_id, a.provider_email, a.credentials, a.credential_expiry, a.last_refreshed,
	a.calendar_sync_enabled, a.second_chance_email, a.delete_events_from_email, a.created_at`

func scanAccount(row rowScanner) (*ExternalAccount, error) {
	var acct ExternalAccount
	if err := row.Scan(
		&acct.ID,
		&acct.UserID,
		&acct.ProviderEmail,
		&acct.Credentials,
		&acct.CredentialExpiry,
		&acct.LastRefreshed,
		&acct.CalendarSyncEnabled,
		&acct.SecondChanceEmail,
		&acct.DeleteEventsFromEmail,
		&acct.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *accountRepo) Upsert(ctx context.Context, acct ExternalAccount) (*ExternalAccount, error) {
	defer observeDB(ctx, "accounts.upsert")()
	const q = `INSERT INTO external_accounts AS a (user_id, provider_email, credentials, credential_expiry, last_refreshed)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (user_id, provider_email) DO UPDATE
SET credentials = EXCLUDED.credentials,
    credential_expiry = EXCLUDED.credential_expiry,
    last_refreshed = EXCLUDED.last_refreshed
RETURNING ` + accountColumns
	out, err := scanAccount(r.pool.QueryRow(ctx, q, acct.UserID, acct.ProviderEmail, acct.Credentials, acct.CredentialExpiry))
	if err != nil {
		return nil, fmt.Errorf("upsert account: %w", err)
	}
	return out, nil
}

func (r *accountRepo) Get(ctx context.Context, userID, id int64) (*ExternalAccount, error) {
	defer observeDB(ctx, "accounts.get")()
	q := `SELECT ` + accountColumns + ` FROM external_accounts a WHERE a.user_id=$1 AND a.id=$2`
	out, err := scanAccount(r.pool.QueryRow(ctx, q, userID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return out, nil
}

func (r *accountRepo) ListByUser(ctx context.Context, userID int64) ([]ExternalAccount, error) {
	defer observeDB(ctx, "accounts.list_by_user")()
	q := `SELECT ` + accountColumns + ` FROM external_accounts a WHERE a.user_id=$1 ORDER BY a.id`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []ExternalAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *acct)
	}
	return out, rows.Err()
}

func (r *accountRepo) UpdateCredentials(ctx context.Context, userID, id int64, blob []byte, expiry *time.Time, refreshedAt time.Time) error {
	defer observeDB(ctx, "accounts.update_credentials")()
	const q = `UPDATE external_accounts SET credentials=$3, credential_expiry=$4, last_refreshed=$5
WHERE user_id=$1 AND id=$2`
	return execOne(ctx, r.pool, q, userID, id, blob, expiry, refreshedAt)
}

func (r *accountRepo) ClearCredentials(ctx context.Context, userID, id int64) error {
	defer observeDB(ctx, "accounts.clear_credentials")()
	const q = `UPDATE external_accounts SET credentials=NULL, credential_expiry=NULL WHERE user_id=$1 AND id=$2`
	return execOne(ctx, r.pool, q, userID, id)
}

func (r *accountRepo) UpdateFlags(ctx context.Context, userID, id int64, flags AccountFlags) error {
	defer observeDB(ctx, "accounts.update_flags")()
	const q = `UPDATE external_accounts
SET calendar_sync_enabled=$3, second_chance_email=$4, delete_events_from_email=$5
WHERE user_id=$1 AND id=$2`
	return execOne(ctx, r.pool, q, userID, id, flags.CalendarSyncEnabled, flags.SecondChanceEmail, flags.DeleteEventsFromEmail)
}

func (r *accountRepo) Delete(ctx context.Context, userID, id int64) error {
	defer observeDB(ctx, "accounts.delete")()
	const q = `DELETE FROM external_accounts WHERE user_id=$1 AND id=$2`
	return execOne(ctx, r.pool, q, userID, id)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// execOne runs a statement that must affect exactly one owned row.
func execOne(ctx context.Context, db execer, q string, args ...any) error {
	tag, err := db.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ownedCalendars verifies that every id belongs to userID.
func ownedCalendars(ctx context.Context, tx pgx.Tx, userID int64, field string, ids []int64) error {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil
	}
	const q = `SELECT COUNT(*) FROM tracked_calendars WHERE user_id=$1 AND id = ANY($2)`
	var count int
	if err := tx.QueryRow(ctx, q, userID, ids).Scan(&count); err != nil {
		return fmt.Errorf("check calendar ownership: %w", err)
	}
	if count != len(ids) {
		return &ConfigurationError{Field: field, Reason: "references a calendar that does not exist or belongs to another user"}
	}
	return nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
