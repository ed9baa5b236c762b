package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Validate checks the parts of a rule that do not need the database.
func (r CalendarRule) Validate() error {
	if len(r.CalendarIDs) == 0 {
		return &ConfigurationError{Field: "calendars", Reason: "at least one calendar is required"}
	}
	if r.MinNotice < 0 {
		return &ConfigurationError{Field: "min_notice", Reason: "must not be negative"}
	}
	return nil
}

// ruleRepo implements RuleRepository.
type ruleRepo struct {
	pool PgxPool
}

const ruleColumns = `r.id, r.user_id,
	ARRAY(SELECT rc.calendar_id FROM calendar_rule_calendars rc WHERE rc.rule_id = r.id ORDER BY rc.calendar_id),
	r.min_notice_seconds, r.allow_list, r.warn_location_mismatch, r.soft_maybe_conflict,
	r.decline_conflict, r.allow_list_conflict, r.try_delete_canceled_events, r.created_at`

func scanRule(row rowScanner) (*CalendarRule, error) {
	var (
		rule    CalendarRule
		seconds int64
	)
	if err := row.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.CalendarIDs,
		&seconds,
		&rule.AllowList,
		&rule.WarnLocationMismatch,
		&rule.SoftMaybeConflict,
		&rule.DeclineConflict,
		&rule.AllowListConflict,
		&rule.TryDeleteCanceledEvents,
		&rule.CreatedAt,
	); err != nil {
		return nil, err
	}
	rule.MinNotice = time.Duration(seconds) * time.Second
	return &rule, nil
}

func (r *ruleRepo) Create(ctx context.Context, rule CalendarRule) (*CalendarRule, error) {
	defer observeDB(ctx, "rules.create")()
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	rule.CalendarIDs = dedupe(rule.CalendarIDs)
	if rule.AllowList == nil {
		rule.AllowList = []string{}
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin create rule: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := ownedCalendars(ctx, tx, rule.UserID, "calendars", rule.CalendarIDs); err != nil {
		return nil, err
	}

	const insertRule = `INSERT INTO calendar_rules
(user_id, min_notice_seconds, allow_list, warn_location_mismatch, soft_maybe_conflict,
 decline_conflict, allow_list_conflict, try_delete_canceled_events)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at`
	if err := tx.QueryRow(ctx, insertRule,
		rule.UserID, int64(rule.MinNotice/time.Second), rule.AllowList,
		rule.WarnLocationMismatch, rule.SoftMaybeConflict, rule.DeclineConflict,
		rule.AllowListConflict, rule.TryDeleteCanceledEvents,
	).Scan(&rule.ID, &rule.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}

	const insertCalendars = `INSERT INTO calendar_rule_calendars (rule_id, calendar_id) SELECT $1, unnest($2::bigint[])`
	if _, err := tx.Exec(ctx, insertCalendars, rule.ID, rule.CalendarIDs); err != nil {
		return nil, fmt.Errorf("insert rule calendars: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rule: %w", err)
	}
	return &rule, nil
}

func (r *ruleRepo) ListByUser(ctx context.Context, userID int64) ([]CalendarRule, error) {
	defer observeDB(ctx, "rules.list_by_user")()
	q := `SELECT ` + ruleColumns + ` FROM calendar_rules r WHERE r.user_id=$1 ORDER BY r.id`
	return r.list(ctx, q, userID)
}

func (r *ruleRepo) ListByCalendar(ctx context.Context, userID, calendarID int64) ([]CalendarRule, error) {
	defer observeDB(ctx, "rules.list_by_calendar")()
	q := `SELECT ` + ruleColumns + ` FROM calendar_rules r
WHERE r.user_id=$1 AND EXISTS (SELECT 1 FROM calendar_rule_calendars rc WHERE rc.rule_id = r.id AND rc.calendar_id=$2)
ORDER BY r.id`
	return r.list(ctx, q, userID, calendarID)
}

func (r *ruleRepo) list(ctx context.Context, q string, args ...any) ([]CalendarRule, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []CalendarRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

func (r *ruleRepo) Delete(ctx context.Context, userID, id int64) error {
	defer observeDB(ctx, "rules.delete")()
	const q = `DELETE FROM calendar_rules WHERE user_id=$1 AND id=$2`
	return execOne(ctx, r.pool, q, userID, id)
}
