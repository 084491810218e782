// Package store opens and migrates the embedded SQL database shared by
// every swarm component. sqlite keeps the runtime self-contained: a
// fresh process starts with zero external database dependencies.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the database at path and applies the pragmas
// the runtime depends on: WAL journaling for concurrent readers and a
// busy timeout so writer contention surfaces as latency, not errors.
// Use ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// sqlite has a single writer; more connections only add lock churn.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}
	return db, nil
}

// Migrate executes each DDL statement in order. Statements must be
// idempotent (CREATE TABLE IF NOT EXISTS ...).
func Migrate(ctx context.Context, db *sql.DB, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// UTCNow returns the current time in UTC truncated to millisecond
// precision, the resolution every persisted timestamp uses.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FormatTime renders a persisted timestamp (ISO-8601 UTC, ms precision).
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseTime parses a persisted timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
