// Package semgraph persists the scope-partitioned semantic graph:
// claim/goal/risk/contradiction nodes and contradicts/resolves/supports
// edges. Mutations are monotonic in the CRDT sense: confidence never
// decreases (I4), nodes are never deleted (I5), and a resolved
// contradiction can never be re-asserted (I3).
package semgraph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casegraph/swarm/pkg/store"
)

// Node types.
const (
	TypeClaim         = "claim"
	TypeGoal          = "goal"
	TypeRisk          = "risk"
	TypeContradiction = "contradiction"
	TypeAssessment    = "assessment"
)

// Node statuses.
const (
	StatusActive     = "active"
	StatusIrrelevant = "irrelevant"
	StatusResolved   = "resolved"
)

// Edge types.
const (
	EdgeContradicts = "contradicts"
	EdgeResolves    = "resolves"
	EdgeSupports    = "supports"
)

// CreatedByFactsSync marks nodes owned by the facts sync; the sync's
// retirement pass only ever touches its own nodes.
const CreatedByFactsSync = "facts-sync"

// Node is a stored semantic node.
type Node struct {
	NodeID     string    `json:"node_id"`
	ScopeID    string    `json:"scope_id"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	Status     string    `json:"status"`
	SourceRef  string    `json:"source_ref,omitempty"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Edge is a stored typed edge.
type Edge struct {
	EdgeID    string    `json:"edge_id"`
	ScopeID   string    `json:"scope_id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	EdgeType  string    `json:"edge_type"`
	Weight    float64   `json:"weight"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskSeverity weights used by the scope risk score.
var severityWeights = map[string]float64{
	"low":      0.25,
	"medium":   0.5,
	"high":     0.75,
	"critical": 1.0,
}

// FactClaim is one extracted claim offered to the sync.
type FactClaim struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// FactRisk is one extracted risk offered to the sync.
type FactRisk struct {
	Content  string `json:"content"`
	Severity string `json:"severity"`
}

// FactSet is the structured output of one facts-extraction round.
type FactSet struct {
	Claims         []FactClaim `json:"claims"`
	Goals          []string    `json:"goals"`
	Risks          []FactRisk  `json:"risks"`
	Contradictions []string    `json:"contradictions"`
	Assumptions    []string    `json:"assumptions,omitempty"`
	Confidence     float64     `json:"confidence"`
}

// SyncResult summarizes what one sync changed.
type SyncResult struct {
	Inserted    int `json:"inserted"`
	Reactivated int `json:"reactivated"`
	Raised      int `json:"raised"`
	Retired     int `json:"retired"`
	NewEdges    int `json:"new_edges"`
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id    TEXT PRIMARY KEY,
		scope_id   TEXT NOT NULL,
		type       TEXT NOT NULL,
		content    TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		status     TEXT NOT NULL DEFAULT 'active',
		source_ref TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		embedding  BLOB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_scope_type ON nodes(scope_id, type, status)`,
	`CREATE TABLE IF NOT EXISTS edges (
		edge_id    TEXT PRIMARY KEY,
		scope_id   TEXT NOT NULL,
		source_id  TEXT NOT NULL,
		target_id  TEXT NOT NULL,
		edge_type  TEXT NOT NULL,
		weight     REAL NOT NULL DEFAULT 1,
		metadata   TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (scope_id, source_id, target_id, edge_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_scope ON edges(scope_id, edge_type)`,
}

// Graph is the semantic graph store.
type Graph struct {
	db *sql.DB
}

// New migrates the nodes and edges tables.
func New(ctx context.Context, db *sql.DB) (*Graph, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, err
	}
	return &Graph{db: db}, nil
}

// SyncFacts applies one extraction result in a single transaction:
// upsert-or-insert claims/goals/risks, retire fact-sourced nodes the
// new extraction no longer mentions, and insert contradiction edges
// where resolution has not already happened. Idempotent: syncing the
// same FactSet twice changes nothing but updated_at.
func (g *Graph) SyncFacts(ctx context.Context, scopeID string, facts FactSet) (SyncResult, error) {
	var res SyncResult
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("semgraph: begin sync: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := store.UTCNow()
	matched := make(map[string]struct{})

	upsert := func(nodeType, content string, confidence float64) error {
		content = strings.TrimSpace(content)
		if content == "" {
			return nil
		}
		existing, err := findByContent(ctx, tx, scopeID, nodeType, content)
		if err != nil {
			return err
		}
		if existing == nil {
			id := uuid.NewString()
			_, err := tx.ExecContext(ctx, `
				INSERT INTO nodes (node_id, scope_id, type, content, confidence, status, created_by, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?)`,
				id, scopeID, nodeType, content, confidence, CreatedByFactsSync,
				store.FormatTime(now), store.FormatTime(now))
			if err != nil {
				return fmt.Errorf("semgraph: insert node: %w", err)
			}
			matched[id] = struct{}{}
			res.Inserted++
			return nil
		}
		matched[existing.NodeID] = struct{}{}
		newConf := existing.Confidence
		// I4: confidence is monotone non-decreasing.
		if confidence >= existing.Confidence {
			newConf = confidence
			if confidence > existing.Confidence {
				res.Raised++
			}
		}
		newStatus := existing.Status
		if existing.Status == StatusIrrelevant {
			newStatus = StatusActive
			res.Reactivated++
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE nodes SET confidence = ?, status = ?, updated_at = ? WHERE node_id = ?`,
			newConf, newStatus, store.FormatTime(now), existing.NodeID)
		if err != nil {
			return fmt.Errorf("semgraph: update node: %w", err)
		}
		return nil
	}

	for _, c := range facts.Claims {
		if err := upsert(TypeClaim, c.Content, clamp01(c.Confidence)); err != nil {
			return res, err
		}
	}
	for _, goal := range facts.Goals {
		if err := upsert(TypeGoal, goal, facts.Confidence); err != nil {
			return res, err
		}
	}
	for _, r := range facts.Risks {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		sev := strings.ToLower(strings.TrimSpace(r.Severity))
		if _, ok := severityWeights[sev]; !ok {
			sev = "medium"
		}
		// Severity travels in source_ref so the snapshot can weight it.
		existing, err := findByContent(ctx, tx, scopeID, TypeRisk, content)
		if err != nil {
			return res, err
		}
		if existing == nil {
			id := uuid.NewString()
			_, err := tx.ExecContext(ctx, `
				INSERT INTO nodes (node_id, scope_id, type, content, confidence, status, source_ref, created_by, created_at, updated_at)
				VALUES (?, ?, 'risk', ?, ?, 'active', ?, ?, ?, ?)`,
				id, scopeID, content, facts.Confidence, sev, CreatedByFactsSync,
				store.FormatTime(now), store.FormatTime(now))
			if err != nil {
				return res, fmt.Errorf("semgraph: insert risk: %w", err)
			}
			matched[id] = struct{}{}
			res.Inserted++
		} else {
			matched[existing.NodeID] = struct{}{}
			status := existing.Status
			if status == StatusIrrelevant {
				status = StatusActive
				res.Reactivated++
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE nodes SET status = ?, source_ref = ?, updated_at = ? WHERE node_id = ?`,
				status, sev, store.FormatTime(now), existing.NodeID)
			if err != nil {
				return res, fmt.Errorf("semgraph: update risk: %w", err)
			}
		}
	}

	// I5: fact-sourced nodes the extraction no longer mentions become
	// irrelevant, never deleted.
	retired, err := retireUnmatched(ctx, tx, scopeID, matched, now)
	if err != nil {
		return res, err
	}
	res.Retired = retired

	for _, raw := range facts.Contradictions {
		added, err := g.syncContradiction(ctx, tx, scopeID, raw, now)
		if err != nil {
			return res, err
		}
		if added {
			res.NewEdges++
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("semgraph: commit sync: %w", err)
	}
	return res, nil
}

// syncContradiction parses an NLI contradiction string, resolves both
// sides to claim nodes, and inserts a contradicts edge unless the pair
// is already resolved (I3) or already contradicting.
func (g *Graph) syncContradiction(ctx context.Context, tx *sql.Tx, scopeID, raw string, now time.Time) (bool, error) {
	a, bSide, ok := ParseNliContradiction(raw)
	if !ok {
		return false, nil
	}
	nodeA, err := resolveClaim(ctx, tx, scopeID, a)
	if err != nil || nodeA == nil {
		return false, err
	}
	nodeB, err := resolveClaim(ctx, tx, scopeID, bSide)
	if err != nil || nodeB == nil {
		return false, err
	}
	if nodeA.NodeID == nodeB.NodeID {
		return false, nil
	}
	resolved, err := pairHasEdge(ctx, tx, scopeID, nodeA.NodeID, nodeB.NodeID, EdgeResolves)
	if err != nil {
		return false, err
	}
	if resolved {
		// I3: resolution is irreversible.
		return false, nil
	}
	contradicting, err := pairHasEdge(ctx, tx, scopeID, nodeA.NodeID, nodeB.NodeID, EdgeContradicts)
	if err != nil {
		return false, err
	}
	if contradicting {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO edges (edge_id, scope_id, source_id, target_id, edge_type, weight, metadata, created_by, created_at)
		VALUES (?, ?, ?, ?, 'contradicts', 1, ?, ?, ?)`,
		uuid.NewString(), scopeID, nodeA.NodeID, nodeB.NodeID, raw, CreatedByFactsSync, store.FormatTime(now))
	if err != nil {
		return false, fmt.Errorf("semgraph: insert contradicts edge: %w", err)
	}
	return true, nil
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// findByContent matches an existing node whose content equals the new
// content, or is a prefix of it (case-sensitive after trim).
func findByContent(ctx context.Context, q execer, scopeID, nodeType, content string) (*Node, error) {
	row := q.QueryRowContext(ctx, `
		SELECT node_id, confidence, status FROM nodes
		WHERE scope_id = ? AND type = ? AND created_by = ?
		  AND (content = ? OR ? LIKE content || '%')
		ORDER BY LENGTH(content) DESC LIMIT 1`,
		scopeID, nodeType, CreatedByFactsSync, content, content)
	var n Node
	if err := row.Scan(&n.NodeID, &n.Confidence, &n.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("semgraph: find node: %w", err)
	}
	n.ScopeID, n.Type, n.Content = scopeID, nodeType, content
	return &n, nil
}

// resolveClaim maps a contradiction side to a claim node id: exact
// match first, then startsWith.
func resolveClaim(ctx context.Context, q execer, scopeID, text string) (*Node, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	row := q.QueryRowContext(ctx, `
		SELECT node_id, content, status FROM nodes
		WHERE scope_id = ? AND type = 'claim' AND content = ? LIMIT 1`, scopeID, text)
	var n Node
	err := row.Scan(&n.NodeID, &n.Content, &n.Status)
	if err == nil {
		n.ScopeID = scopeID
		return &n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("semgraph: resolve claim: %w", err)
	}
	row = q.QueryRowContext(ctx, `
		SELECT node_id, content, status FROM nodes
		WHERE scope_id = ? AND type = 'claim' AND (content LIKE ? || '%' OR ? LIKE content || '%')
		ORDER BY LENGTH(content) DESC LIMIT 1`, scopeID, text, text)
	err = row.Scan(&n.NodeID, &n.Content, &n.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("semgraph: resolve claim prefix: %w", err)
	}
	n.ScopeID = scopeID
	return &n, nil
}

// pairHasEdge checks for an edge of the given type between a and b in
// either direction.
func pairHasEdge(ctx context.Context, q execer, scopeID, a, b, edgeType string) (bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM edges
		WHERE scope_id = ? AND edge_type = ?
		  AND ((source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?))`,
		scopeID, edgeType, a, b, b, a)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("semgraph: edge lookup: %w", err)
	}
	return n > 0, nil
}

func retireUnmatched(ctx context.Context, tx *sql.Tx, scopeID string, matched map[string]struct{}, now time.Time) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT node_id FROM nodes
		WHERE scope_id = ? AND created_by = ? AND status = 'active'
		  AND type IN ('claim', 'goal', 'risk')`, scopeID, CreatedByFactsSync)
	if err != nil {
		return 0, fmt.Errorf("semgraph: list active: %w", err)
	}
	var toRetire []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("semgraph: scan active: %w", err)
		}
		if _, ok := matched[id]; !ok {
			toRetire = append(toRetire, id)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, id := range toRetire {
		_, err := tx.ExecContext(ctx, `
			UPDATE nodes SET status = 'irrelevant', updated_at = ? WHERE node_id = ?`,
			store.FormatTime(now), id)
		if err != nil {
			return 0, fmt.Errorf("semgraph: retire node: %w", err)
		}
	}
	return len(toRetire), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NodesForScope lists nodes of a type (any status), newest first.
func (g *Graph) NodesForScope(ctx context.Context, scopeID, nodeType string) ([]Node, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT node_id, scope_id, type, content, confidence, status, source_ref, created_by, created_at, updated_at
		FROM nodes WHERE scope_id = ? AND type = ? ORDER BY created_at DESC`, scopeID, nodeType)
	if err != nil {
		return nil, fmt.Errorf("semgraph: list nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNodes(rows)
}

func scanNodes(rows *sql.Rows) ([]Node, error) {
	var out []Node
	for rows.Next() {
		var n Node
		var created, updated string
		if err := rows.Scan(&n.NodeID, &n.ScopeID, &n.Type, &n.Content, &n.Confidence, &n.Status, &n.SourceRef, &n.CreatedBy, &created, &updated); err != nil {
			return nil, fmt.Errorf("semgraph: scan node: %w", err)
		}
		var err error
		if n.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		if n.UpdatedAt, err = store.ParseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// EdgeCount returns the number of edges of a type within a scope.
func (g *Graph) EdgeCount(ctx context.Context, scopeID, edgeType string) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM edges WHERE scope_id = ? AND edge_type = ?`, scopeID, edgeType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("semgraph: edge count: %w", err)
	}
	return n, nil
}
