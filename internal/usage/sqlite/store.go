// Package sqlite implements [usage.Store] on an embedded SQLite database
// using the pure-Go modernc.org/sqlite driver. It suits single-node
// deployments that want durable totals without an external database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/lingorelay/internal/usage"
)

const schema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS usage_daily (
	user_id    TEXT NOT NULL,
	day        TEXT NOT NULL,
	minutes    REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, day)
);
CREATE TABLE IF NOT EXISTS usage_monthly (
	user_id    TEXT NOT NULL,
	month      TEXT NOT NULL,
	minutes    REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, month)
);
`

// Store is a [usage.Store] backed by SQLite.
type Store struct {
	db *sql.DB
}

// Compile-time interface check.
var _ usage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("usage store: create database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("usage store: open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under the
	// recorder's concurrent workers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage store: ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Increment implements [usage.Store].
func (s *Store) Increment(ctx context.Context, inc usage.Increment) error {
	if err := usage.ValidateIncrement(inc); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("usage store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_daily (user_id, day, minutes, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, day) DO UPDATE SET minutes = minutes + excluded.minutes, updated_at = excluded.updated_at`,
		inc.UserID, usage.DayKey(inc.At), inc.Minutes, now,
	); err != nil {
		return fmt.Errorf("usage store: upsert daily: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_monthly (user_id, month, minutes, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, month) DO UPDATE SET minutes = minutes + excluded.minutes, updated_at = excluded.updated_at`,
		inc.UserID, usage.MonthKey(inc.At), inc.Minutes, now,
	); err != nil {
		return fmt.Errorf("usage store: upsert monthly: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("usage store: commit: %w", err)
	}
	return nil
}

// Totals implements [usage.Store].
func (s *Store) Totals(ctx context.Context, userID string, at time.Time) (usage.Totals, error) {
	var t usage.Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT minutes FROM usage_daily WHERE user_id = ? AND day = ?), 0),
			COALESCE((SELECT minutes FROM usage_monthly WHERE user_id = ? AND month = ?), 0)`,
		userID, usage.DayKey(at), userID, usage.MonthKey(at),
	).Scan(&t.DailyMinutes, &t.MonthlyMinutes)
	if err != nil {
		return usage.Totals{}, fmt.Errorf("usage store: totals %q: %w", userID, err)
	}
	return t, nil
}

// Ping implements [usage.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [usage.Store].
func (s *Store) Close() error {
	return s.db.Close()
}
