package store

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jw6ventures/calsync/internal/migrations"
)

// migrationLockKey is the advisory lock held while a migration is applied, so
// replicas starting together do not race.
const migrationLockKey int64 = 0x63616c73796e63

// ApplyMigrations ensures all embedded SQL migrations have been applied. If
// the database already holds tables but no tracking table, the first
// migration is recorded as applied instead of replayed.
func ApplyMigrations(ctx context.Context, pool PgxPool) error {
	names, err := listMigrationFiles()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	tracked, err := queryBool(ctx, pool, "check migration table", `SELECT EXISTS (
        SELECT 1 FROM information_schema.tables
        WHERE table_schema='public' AND table_name='schema_migrations'
)`)
	if err != nil {
		return err
	}

	if !tracked {
		var count int
		const countTables = `SELECT COUNT(*) FROM information_schema.tables
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')`
		if err := pool.QueryRow(ctx, countTables).Scan(&count); err != nil {
			return fmt.Errorf("count tables: %w", err)
		}

		const createTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
		if _, err := pool.Exec(ctx, createTable); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		if count > 0 {
			if _, err := pool.Exec(ctx, recordMigrationSQL, names[0]); err != nil {
				return fmt.Errorf("record migration %s: %w", names[0], err)
			}
		}
	}

	for _, name := range names {
		applied, err := queryBool(ctx, pool, "check migration "+name, appliedSQL, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := applyMigration(ctx, pool, name); err != nil {
			return err
		}
	}
	return nil
}

const (
	appliedSQL         = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`
	recordMigrationSQL = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryBool(ctx context.Context, db rowQuerier, what, q string, args ...any) (bool, error) {
	var v bool
	if err := db.QueryRow(ctx, q, args...).Scan(&v); err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}
	return v, nil
}

func listMigrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// applyMigration runs one file in its own transaction. The applied check is
// repeated under the advisory lock because another replica may have won.
func applyMigration(ctx context.Context, pool PgxPool, name string) error {
	contents, err := migrations.Files.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migration %s: %w", name, err)
	}
	applied, err := queryBool(ctx, tx, "recheck migration "+name, appliedSQL, name)
	if err != nil {
		return err
	}
	if applied {
		return tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, string(contents)); err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, recordMigrationSQL, name); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}
