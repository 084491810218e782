package agentloop

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/casegraph/swarm/pkg/store"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS processed_messages (
		consumer     TEXT NOT NULL,
		msg_id       TEXT NOT NULL,
		processed_at TEXT NOT NULL,
		PRIMARY KEY (consumer, msg_id)
	)`,
}

// ProcessedStore is the exactly-once-effect guard: a (consumer, msg id)
// pair is marked once, and redeliveries short-circuit on it.
type ProcessedStore struct {
	db *sql.DB
}

// NewProcessedStore migrates the dedup table.
func NewProcessedStore(ctx context.Context, db *sql.DB) (*ProcessedStore, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, fmt.Errorf("agentloop: migrate processed_messages: %w", err)
	}
	return &ProcessedStore{db: db}, nil
}

// Seen reports whether the consumer already processed the message.
func (s *ProcessedStore) Seen(ctx context.Context, consumer, msgID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages WHERE consumer = ? AND msg_id = ?`,
		consumer, msgID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("agentloop: dedup lookup: %w", err)
	}
	return n > 0, nil
}

// Mark records the message as processed. Idempotent.
func (s *ProcessedStore) Mark(ctx context.Context, consumer, msgID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages (consumer, msg_id, processed_at)
		VALUES (?, ?, ?) ON CONFLICT (consumer, msg_id) DO NOTHING`,
		consumer, msgID, store.FormatTime(store.UTCNow()))
	if err != nil {
		return fmt.Errorf("agentloop: mark processed: %w", err)
	}
	return nil
}
