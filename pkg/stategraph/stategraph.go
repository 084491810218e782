// Package stategraph owns the per-scope pipeline state row and the
// epoch-CAS advance that serializes all progress within a scope. The
// transition relation is a closed finite function; states outside it
// cannot advance.
package stategraph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/casegraph/swarm/pkg/store"
)

// Pipeline nodes.
const (
	NodeContextIngested = "ContextIngested"
	NodeFactsExtracted  = "FactsExtracted"
	NodeDriftChecked    = "DriftChecked"
)

// Transitions is the closed transition relation: the ingest cycle.
var Transitions = map[string]string{
	NodeContextIngested: NodeFactsExtracted,
	NodeFactsExtracted:  NodeDriftChecked,
	NodeDriftChecked:    NodeContextIngested,
}

// NextNode returns the successor of a node, or "" when the node is not
// in the relation.
func NextNode(from string) string {
	return Transitions[from]
}

// ErrNotFound is returned when a scope has no state row.
var ErrNotFound = errors.New("stategraph: scope not initialized")

// State is the singleton per-scope row.
type State struct {
	ScopeID   string    `json:"scope_id"`
	RunID     string    `json:"run_id"`
	LastNode  string    `json:"last_node"`
	Epoch     int64     `json:"epoch"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Gate decides whether a transition may proceed. A nil Gate allows.
type Gate func(from, to string) (allowed bool, reason string)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS swarm_state (
		scope_id   TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		last_node  TEXT NOT NULL,
		epoch      INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// Store persists swarm_state rows.
type Store struct {
	db *sql.DB
}

// New migrates the swarm_state table and returns the store.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// InitState inserts the initial row for a scope. Idempotent: an
// existing row is left untouched.
func (s *Store) InitState(ctx context.Context, scopeID, runID, initialNode string) error {
	if _, ok := Transitions[initialNode]; !ok {
		return fmt.Errorf("stategraph: unknown initial node %q", initialNode)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swarm_state (scope_id, run_id, last_node, epoch, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(scope_id) DO NOTHING`,
		scopeID, runID, initialNode, store.FormatTime(store.UTCNow()))
	if err != nil {
		return fmt.Errorf("stategraph: init %s: %w", scopeID, err)
	}
	return nil
}

// LoadState returns the current row for a scope.
func (s *Store) LoadState(ctx context.Context, scopeID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scope_id, run_id, last_node, epoch, updated_at
		FROM swarm_state WHERE scope_id = ?`, scopeID)
	var st State
	var updated string
	if err := row.Scan(&st.ScopeID, &st.RunID, &st.LastNode, &st.Epoch, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stategraph: load %s: %w", scopeID, err)
	}
	t, err := store.ParseTime(updated)
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = t
	return &st, nil
}

// AdvanceState performs the epoch-CAS advance. It returns the new row
// on success, or nil when the caller lost the race (epoch mismatch) or
// the gate denied. deniedReason is non-empty only on a gate denial.
//
// Concurrent callers with the same expectedEpoch are serialized by the
// row-level predicate WHERE epoch = expectedEpoch: exactly one UPDATE
// observes a matching row.
func (s *Store) AdvanceState(ctx context.Context, scopeID string, expectedEpoch int64, gate Gate) (next *State, deniedReason string, err error) {
	cur, err := s.LoadState(ctx, scopeID)
	if err != nil {
		return nil, "", err
	}
	if cur.Epoch != expectedEpoch {
		return nil, "", nil
	}
	to, ok := Transitions[cur.LastNode]
	if !ok {
		return nil, "", fmt.Errorf("stategraph: node %q has no transition", cur.LastNode)
	}
	if gate != nil {
		if allowed, reason := gate(cur.LastNode, to); !allowed {
			return nil, reason, nil
		}
	}
	now := store.UTCNow()
	res, err := s.db.ExecContext(ctx, `
		UPDATE swarm_state
		SET last_node = ?, epoch = epoch + 1, updated_at = ?
		WHERE scope_id = ? AND epoch = ?`,
		to, store.FormatTime(now), scopeID, expectedEpoch)
	if err != nil {
		return nil, "", fmt.Errorf("stategraph: advance %s: %w", scopeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, "", fmt.Errorf("stategraph: advance %s: %w", scopeID, err)
	}
	if n == 0 {
		// Lost the race between the read and the update.
		return nil, "", nil
	}
	return &State{
		ScopeID:   scopeID,
		RunID:     cur.RunID,
		LastNode:  to,
		Epoch:     expectedEpoch + 1,
		UpdatedAt: now,
	}, "", nil
}

// ListScopes returns every scope with a state row, newest first.
func (s *Store) ListScopes(ctx context.Context) ([]State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_id, run_id, last_node, epoch, updated_at
		FROM swarm_state ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("stategraph: list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []State
	for rows.Next() {
		var st State
		var updated string
		if err := rows.Scan(&st.ScopeID, &st.RunID, &st.LastNode, &st.Epoch, &updated); err != nil {
			return nil, fmt.Errorf("stategraph: scan: %w", err)
		}
		if st.UpdatedAt, err = store.ParseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// NextJobForNode maps the node just entered to the job that should run
// next in the cycle.
func NextJobForNode(node string) (string, bool) {
	switch node {
	case NodeContextIngested:
		return "extract_facts", true
	case NodeFactsExtracted:
		return "check_drift", true
	case NodeDriftChecked:
		return "plan_actions", true
	default:
		return "", false
	}
}
