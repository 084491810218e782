package convergence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/casegraph/swarm/pkg/store"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS convergence_history (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		scope_id         TEXT NOT NULL,
		epoch            INTEGER NOT NULL,
		goal_score       REAL NOT NULL,
		lyapunov_v       REAL NOT NULL,
		dimension_scores TEXT NOT NULL,
		pressure         TEXT NOT NULL,
		created_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_convergence_scope ON convergence_history(scope_id, id)`,
}

// Store persists convergence_history rows.
type Store struct {
	db *sql.DB
}

// NewStore migrates the convergence_history table.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// RecordConvergencePoint appends one observation.
func (s *Store) RecordConvergencePoint(ctx context.Context, p Point) error {
	scores, err := json.Marshal(p.Scores)
	if err != nil {
		return fmt.Errorf("convergence: encode scores: %w", err)
	}
	pressure, err := json.Marshal(p.Pressure)
	if err != nil {
		return fmt.Errorf("convergence: encode pressure: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = store.UTCNow()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO convergence_history (scope_id, epoch, goal_score, lyapunov_v, dimension_scores, pressure, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ScopeID, p.Epoch, p.GoalScore, p.LyapunovV, string(scores), string(pressure),
		store.FormatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("convergence: record point: %w", err)
	}
	return nil
}

// LoadConvergenceHistory returns the newest depth points for a scope,
// ordered oldest first. A missing table or scope yields an empty
// history, keeping the system usable on a fresh deploy.
func (s *Store) LoadConvergenceHistory(ctx context.Context, scopeID string, depth int) ([]Point, error) {
	if depth <= 0 {
		depth = DefaultConfig().HistoryDepth
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_id, epoch, goal_score, lyapunov_v, dimension_scores, pressure, created_at FROM (
			SELECT id, scope_id, epoch, goal_score, lyapunov_v, dimension_scores, pressure, created_at
			FROM convergence_history WHERE scope_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, scopeID, depth)
	if err != nil {
		return nil, fmt.Errorf("convergence: load history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Point
	for rows.Next() {
		var p Point
		var scores, pressure, created string
		if err := rows.Scan(&p.ScopeID, &p.Epoch, &p.GoalScore, &p.LyapunovV, &scores, &pressure, &created); err != nil {
			return nil, fmt.Errorf("convergence: scan point: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &p.Scores); err != nil {
			return nil, fmt.Errorf("convergence: decode scores: %w", err)
		}
		if err := json.Unmarshal([]byte(pressure), &p.Pressure); err != nil {
			return nil, fmt.Errorf("convergence: decode pressure: %w", err)
		}
		if p.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
