package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool represents the subset of pgxpool.Pool used by the store.
//
// This allows tests to supply a lightweight mock implementation without
// changing the public interface of the store package.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool PgxPool

	Accounts  AccountRepository
	Calendars CalendarRepository
	Links     LinkRepository
	Rules     RuleRepository
}

// New wires concrete repository implementations with shared connection pool.
func New(pool PgxPool) *Store {
	return &Store{
		pool:      pool,
		Accounts:  &accountRepo{pool: pool},
		Calendars: &calendarRepo{pool: pool},
		Links:     &linkRepo{pool: pool},
		Rules:     &ruleRepo{pool: pool},
	}
}

// Open connects a pgx pool and verifies the connection.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies pending embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	defer observeDB(ctx, "db.migrate")()
	return ApplyMigrations(ctx, s.pool)
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
