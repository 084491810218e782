package activation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/casegraph/swarm/pkg/store"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS agent_memory (
		role               TEXT NOT NULL,
		scope_id           TEXT NOT NULL,
		last_activated_at  TEXT NOT NULL DEFAULT '',
		last_processed_seq INTEGER NOT NULL DEFAULT 0,
		last_hash          TEXT NOT NULL DEFAULT '',
		last_drift_hash    TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (role, scope_id)
	)`,
	`CREATE TABLE IF NOT EXISTS filter_configs (
		role        TEXT PRIMARY KEY,
		cooldown_ms INTEGER NOT NULL,
		min_new_seq INTEGER NOT NULL,
		hash_keys   TEXT NOT NULL DEFAULT '',
		anchor_node TEXT NOT NULL DEFAULT ''
	)`,
}

// MemoryStore persists agent_memory and filter_configs.
type MemoryStore struct {
	db *sql.DB
}

// NewMemoryStore migrates the tables and returns the store.
func NewMemoryStore(ctx context.Context, db *sql.DB) (*MemoryStore, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, err
	}
	return &MemoryStore{db: db}, nil
}

// Load returns the memory for (role, scope); a zero Memory when absent.
func (s *MemoryStore) Load(ctx context.Context, role, scopeID string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_activated_at, last_processed_seq, last_hash, last_drift_hash
		FROM agent_memory WHERE role = ? AND scope_id = ?`, role, scopeID)
	mem := Memory{Role: role, ScopeID: scopeID}
	var activated string
	err := row.Scan(&activated, &mem.LastProcessedSeq, &mem.LastHash, &mem.LastDriftHash)
	if errors.Is(err, sql.ErrNoRows) {
		return mem, nil
	}
	if err != nil {
		return mem, fmt.Errorf("activation: load memory %s/%s: %w", role, scopeID, err)
	}
	if activated != "" {
		t, err := store.ParseTime(activated)
		if err != nil {
			return mem, err
		}
		mem.LastActivatedAt = t
	}
	return mem, nil
}

// Save upserts the memory row atomically.
func (s *MemoryStore) Save(ctx context.Context, mem Memory) error {
	activated := ""
	if !mem.LastActivatedAt.IsZero() {
		activated = store.FormatTime(mem.LastActivatedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_memory (role, scope_id, last_activated_at, last_processed_seq, last_hash, last_drift_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(role, scope_id) DO UPDATE SET
			last_activated_at  = excluded.last_activated_at,
			last_processed_seq = excluded.last_processed_seq,
			last_hash          = excluded.last_hash,
			last_drift_hash    = excluded.last_drift_hash`,
		mem.Role, mem.ScopeID, activated, mem.LastProcessedSeq, mem.LastHash, mem.LastDriftHash)
	if err != nil {
		return fmt.Errorf("activation: save memory %s/%s: %w", mem.Role, mem.ScopeID, err)
	}
	return nil
}

// SeedFilterConfig inserts a role's filter config if none is stored yet,
// so operators can tune rows without code deployments.
func (s *MemoryStore) SeedFilterConfig(ctx context.Context, cfg FilterConfig) error {
	keys, err := json.Marshal(cfg.HashKeys)
	if err != nil {
		return fmt.Errorf("activation: encode hash keys: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO filter_configs (role, cooldown_ms, min_new_seq, hash_keys, anchor_node)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(role) DO NOTHING`,
		cfg.Role, cfg.CooldownMs, cfg.MinNewSeq, string(keys), cfg.AnchorNode)
	if err != nil {
		return fmt.Errorf("activation: seed filter config %s: %w", cfg.Role, err)
	}
	return nil
}

// LoadFilterConfig returns the stored config for a role, falling back
// to the provided default when the table has no row.
func (s *MemoryStore) LoadFilterConfig(ctx context.Context, role string, def FilterConfig) (FilterConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cooldown_ms, min_new_seq, hash_keys, anchor_node
		FROM filter_configs WHERE role = ?`, role)
	cfg := FilterConfig{Role: role}
	var keys string
	err := row.Scan(&cfg.CooldownMs, &cfg.MinNewSeq, &keys, &cfg.AnchorNode)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("activation: load filter config %s: %w", role, err)
	}
	if keys = strings.TrimSpace(keys); keys != "" && keys != "null" {
		if err := json.Unmarshal([]byte(keys), &cfg.HashKeys); err != nil {
			return def, fmt.Errorf("activation: decode hash keys %s: %w", role, err)
		}
	}
	return cfg, nil
}
