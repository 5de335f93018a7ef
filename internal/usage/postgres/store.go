// Package postgres implements [usage.Store] on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lingorelay/internal/usage"
)

// Schema is the SQL DDL for the usage tables. Execute it via [Store.Migrate]
// or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS usage_daily (
    user_id    TEXT NOT NULL,
    day        TEXT NOT NULL,
    minutes    DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, day)
);
CREATE TABLE IF NOT EXISTS usage_monthly (
    user_id    TEXT NOT NULL,
    month      TEXT NOT NULL,
    minutes    DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, month)
);
`

const (
	upsertDaily = `
		INSERT INTO usage_daily (user_id, day, minutes) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, day)
		DO UPDATE SET minutes = usage_daily.minutes + EXCLUDED.minutes, updated_at = now()`
	upsertMonthly = `
		INSERT INTO usage_monthly (user_id, month, minutes) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, month)
		DO UPDATE SET minutes = usage_monthly.minutes + EXCLUDED.minutes, updated_at = now()`
	selectTotals = `
		SELECT
			COALESCE((SELECT minutes FROM usage_daily WHERE user_id = $1 AND day = $2), 0),
			COALESCE((SELECT minutes FROM usage_monthly WHERE user_id = $1 AND month = $3), 0)`
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
}

// Store is a [usage.Store] backed by PostgreSQL. Each increment upserts the
// daily and monthly rows in a single batch round trip.
type Store struct {
	db      DB
	closeFn func()
}

// Compile-time interface check.
var _ usage.Store = (*Store)(nil)

// NewStore wraps an existing connection or pool. The caller keeps ownership
// of db; [Store.Close] does not close it.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Open connects a pool to dsn, verifies connectivity and runs [Store.Migrate].
// Close releases the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("usage store: postgres connect: %w", err)
	}
	s := &Store{db: pool, closeFn: pool.Close}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage store: postgres ping: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL, creating the usage tables if they do
// not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("usage store: migrate: %w", err)
	}
	return nil
}

// Increment implements [usage.Store].
func (s *Store) Increment(ctx context.Context, inc usage.Increment) error {
	if err := usage.ValidateIncrement(inc); err != nil {
		return err
	}
	b := &pgx.Batch{}
	b.Queue(upsertDaily, inc.UserID, usage.DayKey(inc.At), inc.Minutes)
	b.Queue(upsertMonthly, inc.UserID, usage.MonthKey(inc.At), inc.Minutes)

	br := s.db.SendBatch(ctx, b)
	_, errDaily := br.Exec()
	_, errMonthly := br.Exec()
	errClose := br.Close()
	if err := errors.Join(errDaily, errMonthly, errClose); err != nil {
		return fmt.Errorf("usage store: increment %q: %w", inc.UserID, err)
	}
	return nil
}

// Totals implements [usage.Store].
func (s *Store) Totals(ctx context.Context, userID string, at time.Time) (usage.Totals, error) {
	var t usage.Totals
	err := s.db.QueryRow(ctx, selectTotals, userID, usage.DayKey(at), usage.MonthKey(at)).
		Scan(&t.DailyMinutes, &t.MonthlyMinutes)
	if err != nil {
		return usage.Totals{}, fmt.Errorf("usage store: totals %q: %w", userID, err)
	}
	return t, nil
}

// Ping implements [usage.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements [usage.Store]. It closes the pool created by [Open] and
// is a no-op for stores built with [NewStore].
func (s *Store) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
