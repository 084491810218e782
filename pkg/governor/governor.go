// Package governor consumes advance proposals and decides them:
// epoch freshness, transition gates, authorization, and the
// governance mode determine whether an action is published, rejected,
// or parked for human approval.
package governor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/casegraph/swarm/pkg/authz"
	"github.com/casegraph/swarm/pkg/bus"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/objectstore"
	"github.com/casegraph/swarm/pkg/policy"
	"github.com/casegraph/swarm/pkg/review"
	"github.com/casegraph/swarm/pkg/roles"
	"github.com/casegraph/swarm/pkg/stategraph"
	"github.com/casegraph/swarm/pkg/store"
	"github.com/casegraph/swarm/pkg/wal"
)

const consumerName = "governor"

// ReasonEpochMismatch marks a proposal decided against a stale epoch.
const ReasonEpochMismatch = "state_epoch_mismatch"

// Governor decides advance proposals.
type Governor struct {
	bus     *bus.Bus
	states  *stategraph.Store
	wal     *wal.Log
	engine  *policy.Engine
	loader  *policy.Loader
	queue   *review.Queue
	checker authz.Checker
	blobs   objectstore.Store
	log     *slog.Logger

	// FinalityCheck runs fire-and-forget after every decided proposal.
	FinalityCheck func(ctx context.Context, scopeID string)
	// OnPolicyViolation counts authorization denials for metrics.
	OnPolicyViolation func(scopeID string)
}

// New wires the governor.
func New(b *bus.Bus, states *stategraph.Store, walLog *wal.Log,
	engine *policy.Engine, loader *policy.Loader, queue *review.Queue,
	checker authz.Checker, blobs objectstore.Store, log *slog.Logger) *Governor {
	if log == nil {
		log = slog.Default()
	}
	return &Governor{
		bus: b, states: states, wal: walLog, engine: engine, loader: loader,
		queue: queue, checker: checker, blobs: blobs,
		log: log.With("component", "governor"),
	}
}

// Run subscribes to the proposals stream until ctx is cancelled.
func (g *Governor) Run(ctx context.Context) error {
	g.log.Info("governor starting", "consumer", consumerName)
	return g.bus.Subscribe(ctx, contracts.StreamSwarm, contracts.SubjectProposalsAll, consumerName, g.handle)
}

func (g *Governor) handle(msg *bus.Msg) error {
	ctx := context.Background()

	var proposal contracts.Proposal
	if err := json.Unmarshal(msg.Data, &proposal); err != nil {
		g.log.Warn("undecodable proposal dropped", "subject", msg.Subject, "error", err)
		return nil
	}
	if proposal.ProposedAction != contracts.ActionAdvanceState {
		return nil
	}
	scopeID := proposal.Payload.ScopeID

	state, err := g.states.LoadState(ctx, scopeID)
	if err != nil && !errors.Is(err, stategraph.ErrNotFound) {
		return err
	}
	if state == nil || state.Epoch != proposal.Payload.ExpectedEpoch {
		current := int64(-1)
		if state != nil {
			current = state.Epoch
		}
		return g.reject(ctx, proposal, fmt.Sprintf("%s: expected %d, current %d",
			ReasonEpochMismatch, proposal.Payload.ExpectedEpoch, current))
	}

	drift := policy.DriftNone
	if d, err := roles.LoadDrift(ctx, g.blobs, scopeID); err != nil {
		return err
	} else if d != nil {
		drift = *d
	}
	mode := g.loader.Current().ModeForScope(scopeID)

	if mode == contracts.ModeMaster {
		return g.approve(ctx, proposal, "master", "master_override")
	}

	record, allowed := g.engine.Evaluate(ctx, policy.EvalContext{
		ScopeID: scopeID,
		Agent:   proposal.Agent,
		From:    proposal.Payload.From,
		To:      proposal.Payload.To,
		Drift:   drift,
	})
	if !allowed {
		return g.reject(ctx, proposal, record.Reason)
	}

	principal := "agent:" + proposal.Agent
	object := authz.ObjectForNode(scopeID, proposal.Payload.To)
	decision, err := g.checker.Check(ctx, principal, "writer", object)
	if err != nil || !decision.Allowed {
		reason := decision.Reason
		if err != nil {
			reason = "authorization error: " + err.Error()
		}
		if g.OnPolicyViolation != nil {
			g.OnPolicyViolation(scopeID)
		}
		return g.reject(ctx, proposal, reason)
	}

	if mode == contracts.ModeMITL {
		return g.park(ctx, proposal)
	}
	return g.approve(ctx, proposal, "governor", record.Reason)
}

func (g *Governor) approve(ctx context.Context, p contracts.Proposal, approvedBy, reason string) error {
	action := contracts.Action{
		ProposalID: p.ProposalID,
		ApprovedBy: approvedBy,
		Result:     contracts.ResultApproved,
		Reason:     reason,
		ActionType: contracts.ActionAdvanceState,
		Payload:    p.Payload,
	}
	if _, err := g.bus.PublishJSON(ctx, contracts.SubjectActionAdvance, action); err != nil {
		return err
	}
	if err := g.appendDecision(ctx, contracts.EventProposalApproved, p, reason); err != nil {
		return err
	}
	g.log.Info("proposal approved",
		"scope_id", p.Payload.ScopeID, "proposal_id", p.ProposalID, "by", approvedBy)
	g.checkFinality(p.Payload.ScopeID)
	return nil
}

func (g *Governor) reject(ctx context.Context, p contracts.Proposal, reason string) error {
	rej := contracts.Rejection{
		ProposalID: p.ProposalID,
		ScopeID:    p.Payload.ScopeID,
		Reason:     reason,
		RejectedBy: "governor",
		RejectedAt: store.UTCNow(),
	}
	if _, err := g.bus.PublishJSON(ctx, contracts.RejectionSubject(contracts.ActionAdvanceState), rej); err != nil {
		return err
	}
	if err := g.appendDecision(ctx, contracts.EventProposalRejected, p, reason); err != nil {
		return err
	}
	g.log.Info("proposal rejected",
		"scope_id", p.Payload.ScopeID, "proposal_id", p.ProposalID, "reason", reason)
	g.checkFinality(p.Payload.ScopeID)
	return nil
}

// park queues a positively-decided proposal for human approval.
func (g *Governor) park(ctx context.Context, p contracts.Proposal) error {
	proposalJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("governor: encode proposal: %w", err)
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("governor: encode payload: %w", err)
	}
	err = g.queue.AddPending(ctx, review.Pending{
		ProposalID:    p.ProposalID,
		ScopeID:       p.Payload.ScopeID,
		Kind:          review.KindAdvance,
		Proposal:      proposalJSON,
		ActionPayload: payloadJSON,
	})
	if err != nil {
		return err
	}
	if _, err := g.bus.Publish(ctx, contracts.PendingSubject(p.ProposalID), proposalJSON); err != nil {
		return err
	}
	if err := g.appendDecision(ctx, contracts.EventProposalPendingApproval, p, "queued for human approval"); err != nil {
		return err
	}
	g.log.Info("proposal parked for approval",
		"scope_id", p.Payload.ScopeID, "proposal_id", p.ProposalID)
	g.checkFinality(p.Payload.ScopeID)
	return nil
}

func (g *Governor) appendDecision(ctx context.Context, t contracts.EventType, p contracts.Proposal, reason string) error {
	ev := contracts.NewEvent(t, "governor", &contracts.ProposalDecidedPayload{
		ScopeID:    p.Payload.ScopeID,
		ProposalID: p.ProposalID,
		Agent:      p.Agent,
		Reason:     reason,
	})
	if _, err := g.wal.AppendEvent(ctx, ev); err != nil {
		return err
	}
	if _, err := g.bus.PublishEvent(ctx, ev); err != nil {
		return err
	}
	return nil
}

func (g *Governor) checkFinality(scopeID string) {
	if g.FinalityCheck == nil {
		return
	}
	go g.FinalityCheck(context.Background(), scopeID)
}
