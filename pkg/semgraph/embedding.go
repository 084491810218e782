package semgraph

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/casegraph/swarm/pkg/store"
)

// EmbeddingDim is the only accepted embedding width; vectors of any
// other length are discarded at the service boundary.
const EmbeddingDim = 1024

// SetEmbedding stores a node's embedding vector. Non-1024 vectors are
// rejected.
func (g *Graph) SetEmbedding(ctx context.Context, nodeID string, vec []float32) error {
	if len(vec) != EmbeddingDim {
		return fmt.Errorf("semgraph: embedding has %d dims, want %d", len(vec), EmbeddingDim)
	}
	blob := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(f))
	}
	res, err := g.db.ExecContext(ctx, `UPDATE nodes SET embedding = ? WHERE node_id = ?`, blob, nodeID)
	if err != nil {
		return fmt.Errorf("semgraph: set embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("semgraph: set embedding: node %s not found", nodeID)
	}
	return nil
}

// ClaimsWithoutEmbedding lists active claims still awaiting a vector,
// oldest first, capped at limit.
func (g *Graph) ClaimsWithoutEmbedding(ctx context.Context, scopeID string, limit int) ([]Node, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT node_id, scope_id, type, content, confidence, status, source_ref, created_by, created_at, updated_at
		FROM nodes
		WHERE scope_id = ? AND type = 'claim' AND status = 'active' AND embedding IS NULL
		ORDER BY created_at LIMIT ?`, scopeID, limit)
	if err != nil {
		return nil, fmt.Errorf("semgraph: list unembedded claims: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// FindSimilarClaim returns the active claim whose embedding is closest
// to vec, provided the cosine similarity clears the threshold. Used as
// a precision-over-recall fallback when string matching fails.
func (g *Graph) FindSimilarClaim(ctx context.Context, scopeID string, vec []float32, threshold float64) (*Node, error) {
	if len(vec) != EmbeddingDim {
		return nil, fmt.Errorf("semgraph: query embedding has %d dims, want %d", len(vec), EmbeddingDim)
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT node_id, content, confidence, status, embedding FROM nodes
		WHERE scope_id = ? AND type = 'claim' AND status = 'active' AND embedding IS NOT NULL`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("semgraph: similar claim query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var best *Node
	bestSim := threshold
	for rows.Next() {
		var n Node
		var blob []byte
		if err := rows.Scan(&n.NodeID, &n.Content, &n.Confidence, &n.Status, &blob); err != nil {
			return nil, fmt.Errorf("semgraph: scan similar claim: %w", err)
		}
		stored, err := decodeEmbedding(blob)
		if err != nil {
			continue
		}
		sim := cosine(vec, stored)
		if sim >= bestSim {
			bestSim = sim
			cp := n
			cp.ScopeID = scopeID
			cp.Type = TypeClaim
			best = &cp
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return best, nil
}

// ResolveByEmbedding resolves contradictions whose claims sit close to
// a resolution vector. It finds the single nearest active claim above
// the threshold and marks every contradicts pair involving it resolved
// by goalID. Returns the number of pairs resolved.
func (g *Graph) ResolveByEmbedding(ctx context.Context, scopeID, goalID, author string, vec []float32, threshold float64) (int, error) {
	claim, err := g.FindSimilarClaim(ctx, scopeID, vec, threshold)
	if err != nil || claim == nil {
		return 0, err
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("semgraph: begin embedding resolution: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT source_id, target_id FROM edges
		WHERE scope_id = ? AND edge_type = 'contradicts'
		  AND (source_id = ? OR target_id = ?)`, scopeID, claim.NodeID, claim.NodeID)
	if err != nil {
		return 0, fmt.Errorf("semgraph: contradictions for claim: %w", err)
	}
	type pair struct{ src, dst string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.src, &p.dst); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("semgraph: scan contradiction pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := store.UTCNow()
	resolved := 0
	for _, p := range pairs {
		already, err := pairHasEdge(ctx, tx, scopeID, p.src, p.dst, EdgeResolves)
		if err != nil {
			return 0, err
		}
		if already {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO edges (edge_id, scope_id, source_id, target_id, edge_type, weight, metadata, created_by, created_at)
			VALUES (?, ?, ?, ?, 'resolves', 1, ?, ?, ?)`,
			uuid.NewString(), scopeID, p.src, p.dst, goalID, author, store.FormatTime(now))
		if err != nil {
			return 0, fmt.Errorf("semgraph: insert resolves edge: %w", err)
		}
		resolved++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("semgraph: commit embedding resolution: %w", err)
	}
	return resolved, nil
}

func decodeEmbedding(blob []byte) ([]float32, error) {
	if len(blob) != 4*EmbeddingDim {
		return nil, errors.New("semgraph: malformed embedding blob")
	}
	vec := make([]float32, EmbeddingDim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
