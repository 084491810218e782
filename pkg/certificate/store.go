package certificate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/casegraph/swarm/pkg/store"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS finality_certificates (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		scope_id   TEXT NOT NULL,
		decision   TEXT NOT NULL,
		envelope   TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_finality_certificates_scope
		ON finality_certificates (scope_id, id)`,
}

// Record is a persisted certificate row.
type Record struct {
	ID       int64
	ScopeID  string
	Decision string
	Envelope string
	Payload  Payload
}

// Store persists signed certificate envelopes.
type Store struct {
	db *sql.DB
}

// NewStore migrates the certificate table.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, fmt.Errorf("certificate: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Save persists an envelope alongside its decoded payload.
func (s *Store) Save(ctx context.Context, envelope string, p Payload) error {
	payloadJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("certificate: encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO finality_certificates (scope_id, decision, envelope, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ScopeID, p.Decision, envelope, string(payloadJSON), store.FormatTime(store.UTCNow()))
	if err != nil {
		return fmt.Errorf("certificate: save: %w", err)
	}
	return nil
}

// Latest returns the most recent certificate for a scope, or nil when
// the scope never reached a terminal decision.
func (s *Store) Latest(ctx context.Context, scopeID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope_id, decision, envelope, payload
		FROM finality_certificates
		WHERE scope_id = ?
		ORDER BY id DESC LIMIT 1`, scopeID)

	var rec Record
	var payloadJSON string
	if err := row.Scan(&rec.ID, &rec.ScopeID, &rec.Decision, &rec.Envelope, &payloadJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("certificate: load latest: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		return nil, fmt.Errorf("certificate: decode payload: %w", err)
	}
	return &rec, nil
}
