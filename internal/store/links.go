package store

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

// Validate checks the parts of a link that do not need the database.
func (l SyncLink) Validate() error {
	if len(l.SourceIDs) == 0 {
		return &ConfigurationError{Field: "sources", Reason: "at least one source calendar is required"}
	}
	if len(l.SinkIDs) == 0 {
		return &ConfigurationError{Field: "sinks", Reason: "at least one sink calendar is required"}
	}
	if l.InviteeSkipThreshold < 0 {
		return &ConfigurationError{Field: "invitee_skip_threshold", Reason: "must not be negative"}
	}
	for field, pattern := range map[string]*string{
		"title_match":   l.TitleMatch,
		"creator_match": l.CreatorMatch,
	} {
		if pattern == nil {
			continue
		}
		if _, err := regexp.Compile(*pattern); err != nil {
			return &ConfigurationError{Field: field, Reason: err.Error()}
		}
	}
	return nil
}

// linkRepo implements LinkRepository.
type linkRepo struct {
	pool PgxPool
}

const linkColumns = `l.id, l.user_id,
	ARRAY(SELECT s.calendar_id FROM sync_link_sources s WHERE s.link_id = l.id ORDER BY s.calendar_id),
	ARRAY(SELECT k.calendar_id FROM sync_link_sinks k WHERE k.link_id = l.id ORDER BY k.calendar_id),
	l.hide_details, l.default_title, l.title_match, l.creator_match, l.title_rewrite,
	l.invitee_skip_threshold, l.created_at`

func scanLink(row rowScanner) (*SyncLink, error) {
	var link SyncLink
	if err := row.Scan(
		&link.ID,
		&link.UserID,
		&link.SourceIDs,
		&link.SinkIDs,
		&link.HideDetails,
		&link.DefaultTitle,
		&link.TitleMatch,
		&link.CreatorMatch,
		&link.TitleRewrite,
		&link.InviteeSkipThreshold,
		&link.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *linkRepo) Create(ctx context.Context, link SyncLink) (*SyncLink, error) {
	defer observeDB(ctx, "links.create")()
	if err := link.Validate(); err != nil {
		return nil, err
	}
	link.SourceIDs = dedupe(link.SourceIDs)
	link.SinkIDs = dedupe(link.SinkIDs)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin create link: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := ownedCalendars(ctx, tx, link.UserID, "sources", link.SourceIDs); err != nil {
		return nil, err
	}
	if err := ownedCalendars(ctx, tx, link.UserID, "sinks", link.SinkIDs); err != nil {
		return nil, err
	}

	const insertLink = `INSERT INTO sync_links
(user_id, hide_details, default_title, title_match, creator_match, title_rewrite, invitee_skip_threshold)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at`
	if err := tx.QueryRow(ctx, insertLink,
		link.UserID, link.HideDetails, link.DefaultTitle, link.TitleMatch, link.CreatorMatch,
		link.TitleRewrite, link.InviteeSkipThreshold,
	).Scan(&link.ID, &link.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert link: %w", err)
	}

	const insertSources = `INSERT INTO sync_link_sources (link_id, calendar_id) SELECT $1, unnest($2::bigint[])`
	if _, err := tx.Exec(ctx, insertSources, link.ID, link.SourceIDs); err != nil {
		return nil, fmt.Errorf("insert link sources: %w", err)
	}
	const insertSinks = `INSERT INTO sync_link_sinks (link_id, calendar_id) SELECT $1, unnest($2::bigint[])`
	if _, err := tx.Exec(ctx, insertSinks, link.ID, link.SinkIDs); err != nil {
		return nil, fmt.Errorf("insert link sinks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit link: %w", err)
	}
	return &link, nil
}

func (r *linkRepo) Get(ctx context.Context, userID, id int64) (*SyncLink, error) {
	defer observeDB(ctx, "links.get")()
	q := `SELECT ` + linkColumns + ` FROM sync_links l WHERE l.user_id=$1 AND l.id=$2`
	out, err := scanLink(r.pool.QueryRow(ctx, q, userID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return out, nil
}

func (r *linkRepo) ListByUser(ctx context.Context, userID int64) ([]SyncLink, error) {
	defer observeDB(ctx, "links.list_by_user")()
	q := `SELECT ` + linkColumns + ` FROM sync_links l WHERE l.user_id=$1 ORDER BY l.id`
	return r.list(ctx, q, userID)
}

func (r *linkRepo) ListBySource(ctx context.Context, userID, calendarID int64) ([]SyncLink, error) {
	defer observeDB(ctx, "links.list_by_source")()
	q := `SELECT ` + linkColumns + ` FROM sync_links l
WHERE l.user_id=$1 AND EXISTS (SELECT 1 FROM sync_link_sources s WHERE s.link_id = l.id AND s.calendar_id=$2)
ORDER BY l.id`
	return r.list(ctx, q, userID, calendarID)
}

func (r *linkRepo) list(ctx context.Context, q string, args ...any) ([]SyncLink, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []SyncLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, *link)
	}
	return out, rows.Err()
}

func (r *linkRepo) Sinks(ctx context.Context, userID, linkID int64) ([]TrackedCalendar, error) {
	defer observeDB(ctx, "links.sinks")()
	q := `SELECT ` + calendarColumns + ` FROM sync_link_sinks k
JOIN sync_links l ON l.id = k.link_id
JOIN tracked_calendars c ON c.id = k.calendar_id
WHERE l.user_id=$1 AND l.id=$2 AND c.user_id=$1
ORDER BY c.id`
	rows, err := r.pool.Query(ctx, q, userID, linkID)
	if err != nil {
		return nil, fmt.Errorf("list sinks: %w", err)
	}
	defer rows.Close()

	var out []TrackedCalendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sink: %w", err)
		}
		out = append(out, *cal)
	}
	return out, rows.Err()
}

func (r *linkRepo) Delete(ctx context.Context, userID, id int64) error {
	defer observeDB(ctx, "links.delete")()
	const q = `DELETE FROM sync_links WHERE user_id=$1 AND id=$2`
	return execOne(ctx, r.pool, q, userID, id)
}
