package semgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/casegraph/swarm/pkg/store"
)

// FinalitySnapshot is the aggregate view the finality evaluator scores.
// ScopeIdleCycles is filled by the evaluator from convergence history;
// everything else comes from one graph round-trip.
type FinalitySnapshot struct {
	ClaimsActiveMinConfidence     float64 `json:"claims_active_min_confidence"`
	ClaimsActiveCount             int     `json:"claims_active_count"`
	ClaimsActiveAvgConfidence     float64 `json:"claims_active_avg_confidence"`
	ContradictionsUnresolvedCount int     `json:"contradictions_unresolved_count"`
	ContradictionsTotalCount      int     `json:"contradictions_total_count"`
	RisksCriticalActiveCount      int     `json:"risks_critical_active_count"`
	GoalsTotalCount               int     `json:"goals_total_count"`
	GoalsCompletionRatio          float64 `json:"goals_completion_ratio"`
	ScopeRiskScore                float64 `json:"scope_risk_score"`
	ScopeIdleCycles               int     `json:"scope_idle_cycles"`
	ScopeLastDeltaAgeMs           int64   `json:"scope_last_delta_age_ms"`
}

// Snapshot aggregates the graph for one scope in a single query
// round-trip (one multi-row statement per table family).
func (g *Graph) Snapshot(ctx context.Context, scopeID string) (FinalitySnapshot, error) {
	var snap FinalitySnapshot

	row := g.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN type='claim' AND status='active' THEN 1 ELSE 0 END), 0),
			COALESCE(MIN(CASE WHEN type='claim' AND status='active' THEN confidence END), 0),
			COALESCE(AVG(CASE WHEN type='claim' AND status='active' THEN confidence END), 0),
			COALESCE(SUM(CASE WHEN type='risk' AND status='active' AND source_ref='critical' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN type='risk' AND status='active' THEN
				CASE source_ref
					WHEN 'critical' THEN 1.0
					WHEN 'high' THEN 0.75
					WHEN 'medium' THEN 0.5
					WHEN 'low' THEN 0.25
					ELSE 0.5
				END END), 0),
			COALESCE(MAX(updated_at), '')
		FROM nodes WHERE scope_id = ?`, scopeID)
	var lastUpdated string
	if err := row.Scan(
		&snap.ClaimsActiveCount,
		&snap.ClaimsActiveMinConfidence,
		&snap.ClaimsActiveAvgConfidence,
		&snap.RisksCriticalActiveCount,
		&snap.ScopeRiskScore,
		&lastUpdated,
	); err != nil {
		return snap, fmt.Errorf("semgraph: snapshot nodes: %w", err)
	}

	// Contradicts edges with no parallel resolves edge (either
	// direction over the same pair) count as unresolved.
	row = g.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN NOT EXISTS (
				SELECT 1 FROM edges r
				WHERE r.scope_id = c.scope_id AND r.edge_type = 'resolves'
				  AND ((r.source_id = c.source_id AND r.target_id = c.target_id)
				    OR (r.source_id = c.target_id AND r.target_id = c.source_id))
			) THEN 1 ELSE 0 END), 0)
		FROM edges c WHERE c.scope_id = ? AND c.edge_type = 'contradicts'`, scopeID)
	if err := row.Scan(&snap.ContradictionsTotalCount, &snap.ContradictionsUnresolvedCount); err != nil {
		return snap, fmt.Errorf("semgraph: snapshot edges: %w", err)
	}

	// Goal completion: a goal node with any incident resolves edge, or
	// one created by a human resolution, counts as completed.
	row = g.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN created_by != ? OR EXISTS (
				SELECT 1 FROM edges e
				WHERE e.scope_id = n.scope_id AND e.edge_type = 'resolves'
				  AND (e.source_id = n.node_id OR e.target_id = n.node_id OR e.metadata = n.node_id)
			) THEN 1 ELSE 0 END), 0)
		FROM nodes n WHERE scope_id = ? AND type = 'goal' AND status != 'irrelevant'`,
		CreatedByFactsSync, scopeID)
	var goalsTotal, goalsDone int
	if err := row.Scan(&goalsTotal, &goalsDone); err != nil {
		return snap, fmt.Errorf("semgraph: snapshot goals: %w", err)
	}
	snap.GoalsTotalCount = goalsTotal
	if goalsTotal > 0 {
		snap.GoalsCompletionRatio = float64(goalsDone) / float64(goalsTotal)
	} else {
		// Vacuously complete; the content gate rejects scoring on this alone.
		snap.GoalsCompletionRatio = 1
	}

	if lastUpdated != "" {
		t, err := store.ParseTime(lastUpdated)
		if err != nil {
			return snap, err
		}
		snap.ScopeLastDeltaAgeMs = time.Since(t).Milliseconds()
		if snap.ScopeLastDeltaAgeMs < 0 {
			snap.ScopeLastDeltaAgeMs = 0
		}
	}
	return snap, nil
}

// HasContent reports whether the scope has any meaningful graph
// content (the content gate's question). A scope is vacuous only when
// it has no active claims and no goals at all; goals-only scopes still
// count so resolving their goals can terminate the session.
func (s FinalitySnapshot) HasContent() bool {
	return s.ClaimsActiveCount > 0 || s.GoalsTotalCount > 0
}
