package semgraph

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/casegraph/swarm/pkg/store"
)

// nliPattern matches contradiction strings of the form
//
//	NLI: "claim A text" vs "claim B text"
var nliPattern = regexp.MustCompile(`NLI:\s*"(.+?)"\s+vs\.?\s+"(.+?)"`)

// ParseNliContradiction extracts both sides of an NLI contradiction
// string. Precision over recall: anything that does not match the
// pattern is skipped rather than guessed at.
func ParseNliContradiction(raw string) (a, b string, ok bool) {
	m := nliPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", "", false
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), true
}

// AppendResolution records a human resolution: a new goal node
// (created_by=user) plus a resolves edge for every contradicted claim
// pair the resolution text plausibly references. Matching is a simple
// substring heuristic; unmatched contradictions are left standing.
func (g *Graph) AppendResolution(ctx context.Context, scopeID, text, author string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("semgraph: empty resolution text")
	}
	if author == "" {
		author = "user"
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("semgraph: begin resolution: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := store.UTCNow()
	goalID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (node_id, scope_id, type, content, confidence, status, created_by, created_at, updated_at)
		VALUES (?, ?, 'goal', ?, 1, 'active', ?, ?, ?)`,
		goalID, scopeID, strings.TrimSpace(text), author, store.FormatTime(now), store.FormatTime(now))
	if err != nil {
		return "", fmt.Errorf("semgraph: insert resolution goal: %w", err)
	}

	// Find contradicts edges whose endpoints are both referenced by the
	// resolution text and mark them resolved.
	rows, err := tx.QueryContext(ctx, `
		SELECT e.edge_id, e.source_id, e.target_id, a.content, b.content
		FROM edges e
		JOIN nodes a ON a.node_id = e.source_id
		JOIN nodes b ON b.node_id = e.target_id
		WHERE e.scope_id = ? AND e.edge_type = 'contradicts'`, scopeID)
	if err != nil {
		return "", fmt.Errorf("semgraph: list contradictions: %w", err)
	}
	type pair struct{ src, dst string }
	var resolved []pair
	for rows.Next() {
		var edgeID, src, dst, contentA, contentB string
		if err := rows.Scan(&edgeID, &src, &dst, &contentA, &contentB); err != nil {
			_ = rows.Close()
			return "", fmt.Errorf("semgraph: scan contradiction: %w", err)
		}
		if referencesClaim(text, contentA) || referencesClaim(text, contentB) {
			resolved = append(resolved, pair{src, dst})
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return "", err
	}

	for _, p := range resolved {
		already, err := pairHasEdge(ctx, tx, scopeID, p.src, p.dst, EdgeResolves)
		if err != nil {
			return "", err
		}
		if already {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO edges (edge_id, scope_id, source_id, target_id, edge_type, weight, metadata, created_by, created_at)
			VALUES (?, ?, ?, ?, 'resolves', 1, ?, ?, ?)`,
			uuid.NewString(), scopeID, p.src, p.dst, goalID, author, store.FormatTime(now))
		if err != nil {
			return "", fmt.Errorf("semgraph: insert resolves edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("semgraph: commit resolution: %w", err)
	}
	return goalID, nil
}

// referencesClaim reports whether the resolution text mentions a
// meaningful fragment of the claim. The fragment is the claim's first
// eight words; short claims must appear whole.
func referencesClaim(text, claim string) bool {
	claim = strings.TrimSpace(claim)
	if claim == "" {
		return false
	}
	words := strings.Fields(claim)
	if len(words) > 8 {
		claim = strings.Join(words[:8], " ")
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(claim))
}
