package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/casegraph/swarm/pkg/activation"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/objectstore"
	"github.com/casegraph/swarm/pkg/policy"
	"github.com/casegraph/swarm/pkg/semgraph"
	"github.com/casegraph/swarm/pkg/stategraph"
	"github.com/casegraph/swarm/pkg/store"
	"github.com/casegraph/swarm/pkg/wal"
)

// factsReplayDepth is how many WAL entries the facts runner replays.
const factsReplayDepth = 200

// FactsRunner extracts structured facts from the recent WAL tail.
type FactsRunner struct {
	wal    *wal.Log
	blobs  objectstore.Store
	worker *ExtractionClient
}

// NewFactsRunner wires the facts runner.
func NewFactsRunner(w *wal.Log, blobs objectstore.Store, worker *ExtractionClient) *FactsRunner {
	return &FactsRunner{wal: w, blobs: blobs, worker: worker}
}

// Run replays the WAL tail, posts it to the extraction worker, and
// persists the resulting fact set. Identical input yields an identical
// facts hash, so reruns are idempotent.
func (r *FactsRunner) Run(ctx context.Context, scopeID string, actx activation.Context) (*Output, error) {
	entries, err := r.wal.TailEventsForScope(ctx, scopeID, factsReplayDepth)
	if err != nil {
		return nil, err
	}
	req := ExtractRequest{Context: make([]ContextEntry, 0, len(entries))}
	for _, e := range entries {
		req.Context = append(req.Context, ContextEntry{
			Seq: e.Seq, TS: e.TS, Type: string(e.Type), Payload: e.Payload,
		})
	}
	if prev, err := loadFacts(ctx, r.blobs, scopeID); err != nil {
		return nil, err
	} else if prev != nil {
		req.PreviousFacts = prev
	}

	resp, err := r.worker.Extract(ctx, req)
	if err != nil {
		return nil, err
	}
	hash, err := activation.ContentHash(resp.Facts)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(resp.Facts)
	if err != nil {
		return nil, fmt.Errorf("roles: encode facts: %w", err)
	}
	latest := objectstore.LatestKey(scopeID, "facts")
	history := objectstore.HistoryKey(scopeID, "facts", store.UTCNow())
	if err := r.blobs.Put(ctx, latest, data); err != nil {
		return nil, Transient(err)
	}
	if err := r.blobs.Put(ctx, history, data); err != nil {
		return nil, Transient(err)
	}

	return &Output{
		Payload: &contracts.FactsExtractedPayload{
			ScopeID:   scopeID,
			FactsHash: hash,
			Wrote:     []string{latest, history},
			Seq:       actx.LatestSeq,
		},
		Hash:  hash,
		Facts: &resp.Facts,
	}, nil
}

// DriftRunner classifies drift between the current facts and the
// previous drift record.
type DriftRunner struct {
	blobs  objectstore.Store
	worker *ExtractionClient
}

// NewDriftRunner wires the drift runner.
func NewDriftRunner(blobs objectstore.Store, worker *ExtractionClient) *DriftRunner {
	return &DriftRunner{blobs: blobs, worker: worker}
}

// Run loads the current facts, asks the worker for a classification,
// and persists it. A scope with no facts yet classifies as none.
func (r *DriftRunner) Run(ctx context.Context, scopeID string, actx activation.Context) (*Output, error) {
	facts, err := loadFacts(ctx, r.blobs, scopeID)
	if err != nil {
		return nil, err
	}

	drift := policy.DriftNone
	if facts != nil {
		req := DriftRequest{Facts: *facts}
		if prev, err := LoadDrift(ctx, r.blobs, scopeID); err == nil && prev != nil {
			req.PreviousDrift = prev
		}
		resp, err := r.worker.ClassifyDrift(ctx, req)
		if err != nil {
			return nil, err
		}
		drift = resp.Drift
		if drift.Level == "" {
			drift.Level = "none"
		}
	}

	hash, err := activation.ContentHash(drift)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(drift)
	if err != nil {
		return nil, fmt.Errorf("roles: encode drift: %w", err)
	}
	if err := r.blobs.Put(ctx, objectstore.LatestKey(scopeID, "drift"), data); err != nil {
		return nil, Transient(err)
	}
	if err := r.blobs.Put(ctx, objectstore.HistoryKey(scopeID, "drift", store.UTCNow()), data); err != nil {
		return nil, Transient(err)
	}

	return &Output{
		Payload: &contracts.DriftAnalyzedPayload{
			ScopeID:    scopeID,
			DriftLevel: drift.Level,
			DriftTypes: drift.Types,
			Notes:      drift.Notes,
			DriftHash:  hash,
		},
		Hash: hash,
	}, nil
}

// PlannerRunner turns facts, drift, and governance suggestions into a
// ranked remediation plan. Deterministic: no LLM in the loop.
type PlannerRunner struct {
	blobs  objectstore.Store
	policy *policy.Declarative
}

// NewPlannerRunner wires the planner.
func NewPlannerRunner(blobs objectstore.Store, pol *policy.Declarative) *PlannerRunner {
	return &PlannerRunner{blobs: blobs, policy: pol}
}

// Run emits governance-suggested actions first, then mechanical
// follow-ups derived from open contradictions and risks.
func (r *PlannerRunner) Run(ctx context.Context, scopeID string, actx activation.Context) (*Output, error) {
	facts, err := loadFacts(ctx, r.blobs, scopeID)
	if err != nil {
		return nil, err
	}
	drift, err := LoadDrift(ctx, r.blobs, scopeID)
	if err != nil {
		return nil, err
	}
	if drift == nil {
		d := policy.DriftNone
		drift = &d
	}

	var actions []contracts.PlannedAction
	rank := 1
	for _, suggested := range r.policy.SuggestedActions(*drift) {
		actions = append(actions, contracts.PlannedAction{
			Rank: rank, Action: suggested, Reason: "governance suggestion for drift level " + drift.Level,
		})
		rank++
	}
	if facts != nil {
		for _, c := range facts.Contradictions {
			actions = append(actions, contracts.PlannedAction{
				Rank: rank, Action: "resolve contradiction: " + c, Reason: "open contradiction",
			})
			rank++
		}
		for _, risk := range facts.Risks {
			if risk.Severity == "high" || risk.Severity == "critical" {
				actions = append(actions, contracts.PlannedAction{
					Rank: rank, Action: "mitigate risk: " + risk.Content, Reason: risk.Severity + " severity",
				})
				rank++
			}
		}
	}

	hash, err := activation.ContentHash(actions)
	if err != nil {
		return nil, err
	}
	return &Output{
		Payload: &contracts.ActionsPlannedPayload{ScopeID: scopeID, Actions: actions},
		Hash:    hash,
	}, nil
}

// StatusRunner renders a human-readable scope summary. Not part of the
// correctness core; failures here never block the pipeline.
type StatusRunner struct {
	states *stategraph.Store
	graph  *semgraph.Graph
	log    *slog.Logger
}

// NewStatusRunner wires the status runner.
func NewStatusRunner(states *stategraph.Store, graph *semgraph.Graph, log *slog.Logger) *StatusRunner {
	if log == nil {
		log = slog.Default()
	}
	return &StatusRunner{states: states, graph: graph, log: log}
}

// Run summarizes the scope from its state row and graph snapshot.
func (r *StatusRunner) Run(ctx context.Context, scopeID string, actx activation.Context) (*Output, error) {
	snap, err := r.graph.Snapshot(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "scope %s", scopeID)
	if st, err := r.states.LoadState(ctx, scopeID); err == nil && st != nil {
		fmt.Fprintf(&b, " at %s (epoch %d)", st.LastNode, st.Epoch)
	}
	fmt.Fprintf(&b, ": %d active claims (avg confidence %.2f), %d/%d contradictions unresolved, %d critical risks, goals %.0f%% complete",
		snap.ClaimsActiveCount, snap.ClaimsActiveAvgConfidence,
		snap.ContradictionsUnresolvedCount, snap.ContradictionsTotalCount,
		snap.RisksCriticalActiveCount, snap.GoalsCompletionRatio*100)
	summary := b.String()

	hash, err := activation.ContentHash(summary)
	if err != nil {
		return nil, err
	}
	return &Output{
		Payload: &contracts.StatusSummarizedPayload{ScopeID: scopeID, Summary: summary},
		Hash:    hash,
	}, nil
}

func loadFacts(ctx context.Context, blobs objectstore.Store, scopeID string) (*semgraph.FactSet, error) {
	data, err := blobs.Get(ctx, objectstore.LatestKey(scopeID, "facts"))
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Transient(err)
	}
	var facts semgraph.FactSet
	if err := json.Unmarshal(data, &facts); err != nil {
		return nil, fmt.Errorf("roles: decode facts: %w", err)
	}
	return &facts, nil
}

// LoadDrift reads a scope's latest drift record, nil when absent.
// Shared with the governor, which gates transitions on it.
func LoadDrift(ctx context.Context, blobs objectstore.Store, scopeID string) (*policy.Drift, error) {
	data, err := blobs.Get(ctx, objectstore.LatestKey(scopeID, "drift"))
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Transient(err)
	}
	var drift policy.Drift
	if err := json.Unmarshal(data, &drift); err != nil {
		return nil, fmt.Errorf("roles: decode drift: %w", err)
	}
	return &drift, nil
}
