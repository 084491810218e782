// Package wal persists the append-only write-ahead event log. Every
// context event and pipeline event lands here before anything reacts to
// it; consumers replay by seq. Rows are never mutated or deleted, and
// seq is dense because sqlite serializes the single writer.
package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/store"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS context_events (
		seq      INTEGER PRIMARY KEY AUTOINCREMENT,
		ts       TEXT NOT NULL,
		type     TEXT NOT NULL,
		source   TEXT NOT NULL,
		scope_id TEXT NOT NULL DEFAULT '',
		payload  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_context_events_scope ON context_events(scope_id, seq)`,
}

// Entry is one persisted WAL row.
type Entry struct {
	Seq     int64                `json:"seq"`
	TS      string               `json:"ts"`
	Type    contracts.EventType  `json:"type"`
	Source  string               `json:"source"`
	ScopeID string               `json:"scope_id"`
	Payload json.RawMessage      `json:"payload"`
}

// Log is the write-ahead event log store.
type Log struct {
	db *sql.DB
}

// New migrates the context_events table and returns the log.
func New(ctx context.Context, db *sql.DB) (*Log, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, err
	}
	return &Log{db: db}, nil
}

// AppendEvent atomically appends an event and returns its seq.
func (l *Log) AppendEvent(ctx context.Context, ev contracts.SwarmEvent) (int64, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("wal: encode payload: %w", err)
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO context_events (ts, type, source, scope_id, payload) VALUES (?, ?, ?, ?, ?)`,
		store.FormatTime(ev.TS), string(ev.Type), ev.Source, ev.ScopeID(), string(payload))
	if err != nil {
		return 0, fmt.Errorf("wal: append %s: %w", ev.Type, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("wal: seq: %w", err)
	}
	return seq, nil
}

// TailEvents returns the most recent n rows in ascending seq order.
func (l *Log) TailEvents(ctx context.Context, n int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, ts, type, source, scope_id, payload FROM (
			SELECT seq, ts, type, source, scope_id, payload
			FROM context_events ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("wal: tail: %w", err)
	}
	return scanEntries(rows)
}

// TailEventsForScope returns the most recent n rows for one scope,
// ascending.
func (l *Log) TailEventsForScope(ctx context.Context, scopeID string, n int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, ts, type, source, scope_id, payload FROM (
			SELECT seq, ts, type, source, scope_id, payload
			FROM context_events WHERE scope_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, scopeID, n)
	if err != nil {
		return nil, fmt.Errorf("wal: tail scope %s: %w", scopeID, err)
	}
	return scanEntries(rows)
}

// LatestSeq returns the highest seq for a scope, 0 when none exist.
func (l *Log) LatestSeq(ctx context.Context, scopeID string) (int64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM context_events WHERE scope_id = ?`, scopeID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("wal: latest seq: %w", err)
	}
	return seq.Int64, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer func() { _ = rows.Close() }()
	var out []Entry
	for rows.Next() {
		var e Entry
		var typ, payload string
		if err := rows.Scan(&e.Seq, &e.TS, &typ, &e.Source, &e.ScopeID, &payload); err != nil {
			return nil, fmt.Errorf("wal: scan: %w", err)
		}
		e.Type = contracts.EventType(typ)
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wal: rows: %w", err)
	}
	return out, nil
}
