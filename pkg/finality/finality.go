package finality

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/casegraph/swarm/pkg/bus"
	"github.com/casegraph/swarm/pkg/certificate"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/convergence"
	"github.com/casegraph/swarm/pkg/review"
	"github.com/casegraph/swarm/pkg/semgraph"
	"github.com/casegraph/swarm/pkg/stategraph"
	"github.com/casegraph/swarm/pkg/store"
	"github.com/casegraph/swarm/pkg/wal"
)

const trajectoryFloor = 0.7

// ReviewRequest is what a near-finality pause hands to the operator.
type ReviewRequest struct {
	ProposalID         string                     `json:"proposal_id"`
	ScopeID            string                     `json:"scope_id"`
	GoalScore          float64                    `json:"goal_score"`
	DimensionBreakdown map[string]float64         `json:"dimension_breakdown"`
	Blockers           []string                   `json:"blockers"`
	Options            []contracts.FinalityOption `json:"options"`
	DeferDays          int                        `json:"defer_days"`
	Convergence        convergence.Analysis       `json:"convergence"`
}

// Result is one evaluation outcome.
type Result struct {
	ScopeID     string                     `json:"scope_id"`
	Decision    contracts.FinalityDecision `json:"decision"`
	GoalScore   float64                    `json:"goal_score"`
	Dimensions  convergence.Scores         `json:"dimensions"`
	Snapshot    semgraph.FinalitySnapshot  `json:"snapshot"`
	Convergence convergence.Analysis       `json:"convergence"`
	Review      *ReviewRequest             `json:"review,omitempty"`
	Certificate string                     `json:"certificate,omitempty"`
}

// Evaluator classifies scopes and drives terminal decisions.
type Evaluator struct {
	cfg       Config
	graph     *semgraph.Graph
	states    *stategraph.Store
	conv      *convergence.Store
	queue     *review.Queue
	signer    *certificate.Signer
	certs     *certificate.Store
	wal       *wal.Log
	bus       *bus.Bus
	log       *slog.Logger
	policyVer func() []string
}

// NewEvaluator wires the evaluator. policyVersions supplies the
// current policy content hashes stamped into certificates; nil means
// no hashes.
func NewEvaluator(cfg Config, graph *semgraph.Graph, states *stategraph.Store,
	conv *convergence.Store, queue *review.Queue, signer *certificate.Signer,
	certs *certificate.Store, walLog *wal.Log, b *bus.Bus,
	policyVersions func() []string, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	if policyVersions == nil {
		policyVersions = func() []string { return nil }
	}
	return &Evaluator{
		cfg: cfg, graph: graph, states: states, conv: conv, queue: queue,
		signer: signer, certs: certs, wal: walLog, bus: b,
		policyVer: policyVersions, log: log.With("component", "finality"),
	}
}

// Dimensions maps a snapshot onto the four scored dimensions, each
// clamped to [0,1].
func Dimensions(snap semgraph.FinalitySnapshot) convergence.Scores {
	// No active claims scores the confidence dimension vacuously 1, the
	// same way an edge-free scope scores contradictions; the content
	// gate keeps a fully vacuous scope from auto-resolving on it.
	conf := 1.0
	if snap.ClaimsActiveCount > 0 {
		conf = snap.ClaimsActiveAvgConfidence / 0.85
		if conf > 1 {
			conf = 1
		}
	}
	contra := 1.0
	if snap.ContradictionsTotalCount > 0 {
		contra = 1 - float64(snap.ContradictionsUnresolvedCount)/float64(snap.ContradictionsTotalCount)
	}
	risk := 1 - math.Min(snap.ScopeRiskScore, 1)
	return convergence.Scores{
		convergence.DimConfidence:     clamp01(conf),
		convergence.DimContradictions: clamp01(contra),
		convergence.DimGoals:          clamp01(snap.GoalsCompletionRatio),
		convergence.DimRisk:           clamp01(risk),
	}
}

// GoalScore is the weighted sum of the scored dimensions.
func GoalScore(dims convergence.Scores, weights map[string]float64) float64 {
	var score float64
	for dim, w := range weights {
		score += w * dims[dim]
	}
	return score
}

// Evaluate classifies one scope. Terminal decisions emit a
// session_finalized event and a signed certificate as a side effect;
// near-finality parks a review request; everything else is pure.
func (e *Evaluator) Evaluate(ctx context.Context, scopeID string) (*Result, error) {
	// A standing human approval outranks any freshly computed status.
	decision, source, _, err := e.queue.LatestDecision(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	snap, err := e.graph.Snapshot(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	dims := Dimensions(snap)
	weights := e.cfg.GoalGradient.Weights
	score := GoalScore(dims, weights)

	if decision == string(contracts.OptionApproveFinality) && source == "human" {
		return e.finalize(ctx, scopeID, contracts.FinalityResolved, score, dims, snap, convergence.Analysis{})
	}

	epoch := int64(0)
	if st, err := e.states.LoadState(ctx, scopeID); err == nil && st != nil {
		epoch = st.Epoch
	}
	point := convergence.Point{
		ScopeID:   scopeID,
		Epoch:     epoch,
		GoalScore: score,
		LyapunovV: convergence.ComputeLyapunovV(dims, weights, convergence.DefaultTargets()),
		Scores:    dims,
		Pressure:  convergence.ComputePressure(dims, weights),
	}
	if err := e.conv.RecordConvergencePoint(ctx, point); err != nil {
		return nil, err
	}
	history, err := e.conv.LoadConvergenceHistory(ctx, scopeID, e.cfg.Convergence.HistoryDepth)
	if err != nil {
		return nil, err
	}
	analysis := convergence.Analyze(history, e.cfg.Convergence)
	snap.ScopeIdleCycles = analysis.IdleCycles

	res := &Result{
		ScopeID:     scopeID,
		GoalScore:   score,
		Dimensions:  dims,
		Snapshot:    snap,
		Convergence: analysis,
	}

	if analysis.Diverging && analysis.HistoryLen >= 3 {
		return e.finalize(ctx, scopeID, contracts.FinalityEscalated, score, dims, snap, analysis)
	}

	if !snap.HasContent() {
		res.Decision = contracts.FinalityActive
		return res, nil
	}

	if e.resolvedGateOpen(snap, score, analysis) {
		return e.finalize(ctx, scopeID, contracts.FinalityResolved, score, dims, snap, analysis)
	}

	if score >= e.cfg.GoalGradient.NearThreshold && score < e.cfg.GoalGradient.AutoThreshold {
		if deferred, err := e.deferActive(ctx, scopeID); err != nil {
			return nil, err
		} else if deferred {
			res.Decision = contracts.FinalityActive
			return res, nil
		}
		req, err := e.requestReview(ctx, scopeID, score, dims, snap, analysis)
		if err != nil {
			return nil, err
		}
		res.Decision = contracts.FinalityReview
		res.Review = req
		return res, nil
	}

	for _, status := range []contracts.FinalityDecision{
		contracts.FinalityEscalated, contracts.FinalityBlocked, contracts.FinalityExpired,
	} {
		if e.cfg.RuleMatches(string(status), snap, score) {
			return e.finalize(ctx, scopeID, status, score, dims, snap, analysis)
		}
	}

	res.Decision = contracts.FinalityActive
	return res, nil
}

// resolvedGateOpen checks the full conjunction guarding RESOLVED:
// declared conditions, auto threshold, monotonicity, trajectory
// quality, and quiescence.
func (e *Evaluator) resolvedGateOpen(snap semgraph.FinalitySnapshot, score float64, a convergence.Analysis) bool {
	if !e.cfg.RuleMatches(string(contracts.FinalityResolved), snap, score) {
		return false
	}
	if score < e.cfg.GoalGradient.AutoThreshold {
		return false
	}
	if !a.Monotonic || a.TrajectoryQuality < trajectoryFloor {
		return false
	}
	q := e.cfg.Quiescence
	if q.MinIdleCycles > 0 || q.WindowMs > 0 {
		if a.IdleCycles < q.MinIdleCycles || snap.ScopeLastDeltaAgeMs < q.WindowMs {
			return false
		}
	}
	return true
}

// finalize emits the certificate and session_finalized event for a
// terminal decision and records it on the scope's decision trail.
func (e *Evaluator) finalize(ctx context.Context, scopeID string,
	decision contracts.FinalityDecision, score float64, dims convergence.Scores,
	snap semgraph.FinalitySnapshot, analysis convergence.Analysis) (*Result, error) {

	payload := certificate.BuildPayload(scopeID, string(decision),
		map[string]float64(dims), e.policyVer())
	envelope, err := e.signer.SignCertificate(payload)
	if err != nil {
		return nil, err
	}
	if err := e.certs.Save(ctx, envelope, payload); err != nil {
		return nil, err
	}
	if err := e.queue.RecordDecision(ctx, scopeID, string(decision), "evaluator", ""); err != nil {
		return nil, err
	}
	ev := contracts.NewEvent(contracts.EventSessionFinalized, "finality", &contracts.SessionFinalizedPayload{
		ScopeID:     scopeID,
		Decision:    string(decision),
		GoalScore:   score,
		Certificate: envelope,
	})
	if _, err := e.wal.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	if _, err := e.bus.PublishEvent(ctx, ev); err != nil {
		e.log.Warn("session_finalized publish failed", "scope_id", scopeID, "error", err)
	}
	e.log.Info("scope finalized", "scope_id", scopeID, "decision", decision, "goal_score", score)
	return &Result{
		ScopeID:     scopeID,
		Decision:    decision,
		GoalScore:   score,
		Dimensions:  dims,
		Snapshot:    snap,
		Convergence: analysis,
		Certificate: envelope,
	}, nil
}

// requestReview parks one finality review per scope. A review already
// pending is reused untouched.
func (e *Evaluator) requestReview(ctx context.Context, scopeID string, score float64,
	dims convergence.Scores, snap semgraph.FinalitySnapshot,
	analysis convergence.Analysis) (*ReviewRequest, error) {

	req := &ReviewRequest{
		ScopeID:            scopeID,
		GoalScore:          score,
		DimensionBreakdown: map[string]float64(dims),
		Blockers:           e.blockers(snap, score, analysis),
		Options: []contracts.FinalityOption{
			contracts.OptionApproveFinality,
			contracts.OptionProvideResolution,
			contracts.OptionEscalate,
			contracts.OptionDefer,
		},
		DeferDays:   7,
		Convergence: analysis,
	}

	pending, err := e.queue.HasPendingFinalityReview(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	if pending {
		return req, nil
	}

	req.ProposalID = uuid.NewString()
	proposalJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("finality: encode review request: %w", err)
	}
	err = e.queue.AddPending(ctx, review.Pending{
		ProposalID:    req.ProposalID,
		ScopeID:       scopeID,
		Kind:          review.KindFinalityReview,
		Proposal:      proposalJSON,
		ActionPayload: proposalJSON,
	})
	if err != nil {
		return nil, err
	}
	ev := contracts.NewEvent(contracts.EventProposalPendingApproval, "finality", &contracts.ProposalDecidedPayload{
		ScopeID:    scopeID,
		ProposalID: req.ProposalID,
		Agent:      "finality",
		Reason:     fmt.Sprintf("goal score %.3f in near-finality band", score),
	})
	if _, err := e.wal.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	if _, err := e.bus.PublishEvent(ctx, ev); err != nil {
		e.log.Warn("pending_approval publish failed", "scope_id", scopeID, "error", err)
	}
	e.log.Info("finality review requested", "scope_id", scopeID, "proposal_id", req.ProposalID, "goal_score", score)
	return req, nil
}

// blockers explains what keeps a near-finality scope from RESOLVED.
func (e *Evaluator) blockers(snap semgraph.FinalitySnapshot, score float64, a convergence.Analysis) []string {
	var out []string
	for _, cond := range e.cfg.compiled[string(contracts.FinalityResolved)] {
		if !cond.eval(snap, score) {
			out = append(out, "condition not met: "+cond.String())
		}
	}
	if score < e.cfg.GoalGradient.AutoThreshold {
		out = append(out, fmt.Sprintf("goal score %.3f below auto threshold %.2f", score, e.cfg.GoalGradient.AutoThreshold))
	}
	if !a.Monotonic {
		out = append(out, "goal score not monotonic over recent rounds")
	}
	if a.TrajectoryQuality < trajectoryFloor {
		out = append(out, fmt.Sprintf("trajectory quality %.2f below %.1f", a.TrajectoryQuality, trajectoryFloor))
	}
	q := e.cfg.Quiescence
	if (q.MinIdleCycles > 0 && a.IdleCycles < q.MinIdleCycles) ||
		(q.WindowMs > 0 && snap.ScopeLastDeltaAgeMs < q.WindowMs) {
		out = append(out, "scope has not gone quiescent")
	}
	return out
}

// deferActive reports whether a human defer is still in force.
func (e *Evaluator) deferActive(ctx context.Context, scopeID string) (bool, error) {
	decision, _, detail, err := e.queue.LatestDecision(ctx, scopeID)
	if err != nil {
		return false, err
	}
	if decision != string(contracts.OptionDefer) || detail == "" {
		return false, nil
	}
	until, err := store.ParseTime(detail)
	if err != nil {
		return false, nil
	}
	return store.UTCNow().Before(until), nil
}

// ApplyFinalityResponse executes a structured human verdict coming off
// the actions stream.
func (e *Evaluator) ApplyFinalityResponse(ctx context.Context, resp contracts.FinalityResponse) error {
	scopeID := resp.ScopeID
	switch resp.Option {
	case contracts.OptionApproveFinality:
		if err := e.queue.RecordDecision(ctx, scopeID, string(resp.Option), "human", ""); err != nil {
			return err
		}
		snap, err := e.graph.Snapshot(ctx, scopeID)
		if err != nil {
			return err
		}
		dims := Dimensions(snap)
		_, err = e.finalize(ctx, scopeID, contracts.FinalityResolved,
			GoalScore(dims, e.cfg.GoalGradient.Weights), dims, snap, convergence.Analysis{})
		return err
	case contracts.OptionProvideResolution:
		if _, err := e.graph.AppendResolution(ctx, scopeID, resp.Resolution, "user"); err != nil {
			return err
		}
		return e.queue.RecordDecision(ctx, scopeID, string(resp.Option), "human", resp.Resolution)
	case contracts.OptionEscalate:
		if err := e.queue.RecordDecision(ctx, scopeID, string(resp.Option), "human", ""); err != nil {
			return err
		}
		snap, err := e.graph.Snapshot(ctx, scopeID)
		if err != nil {
			return err
		}
		dims := Dimensions(snap)
		_, err = e.finalize(ctx, scopeID, contracts.FinalityEscalated,
			GoalScore(dims, e.cfg.GoalGradient.Weights), dims, snap, convergence.Analysis{})
		return err
	case contracts.OptionDefer:
		days := resp.DeferDays
		if days <= 0 {
			days = 7
		}
		until := store.UTCNow().Add(time.Duration(days) * 24 * time.Hour)
		return e.queue.RecordDecision(ctx, scopeID, string(resp.Option), "human", store.FormatTime(until))
	default:
		return fmt.Errorf("finality: unknown option %q", resp.Option)
	}
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
