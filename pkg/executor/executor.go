// Package executor applies decided actions: it performs the epoch-CAS
// state advance, schedules the next pipeline job, and records human
// finality verdicts.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/casegraph/swarm/pkg/bus"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/finality"
	"github.com/casegraph/swarm/pkg/objectstore"
	"github.com/casegraph/swarm/pkg/policy"
	"github.com/casegraph/swarm/pkg/roles"
	"github.com/casegraph/swarm/pkg/stategraph"
	"github.com/casegraph/swarm/pkg/wal"
)

const consumerName = "executor"

// Executor consumes swarm.actions.> and applies each action.
type Executor struct {
	bus      *bus.Bus
	states   *stategraph.Store
	wal      *wal.Log
	declar   *policy.Declarative
	blobs    objectstore.Store
	finality *finality.Evaluator
	log      *slog.Logger
}

// New wires the executor.
func New(b *bus.Bus, states *stategraph.Store, walLog *wal.Log,
	declar *policy.Declarative, blobs objectstore.Store,
	eval *finality.Evaluator, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		bus: b, states: states, wal: walLog, declar: declar,
		blobs: blobs, finality: eval,
		log: log.With("component", "executor"),
	}
}

// Run subscribes to the actions stream until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	e.log.Info("executor starting", "consumer", consumerName)
	return e.bus.Subscribe(ctx, contracts.StreamSwarm, contracts.SubjectActionsAll, consumerName, e.handle)
}

func (e *Executor) handle(msg *bus.Msg) error {
	ctx := context.Background()

	var action contracts.Action
	if err := json.Unmarshal(msg.Data, &action); err != nil {
		e.log.Warn("undecodable action dropped", "subject", msg.Subject, "error", err)
		return nil
	}

	switch action.ActionType {
	case contracts.ActionAdvanceState:
		if action.Result != contracts.ResultApproved {
			return nil
		}
		return e.advance(ctx, action)
	case contracts.ActionFinality:
		if action.Finality == nil {
			e.log.Warn("finality action without response dropped", "proposal_id", action.ProposalID)
			return nil
		}
		return e.finality.ApplyFinalityResponse(ctx, *action.Finality)
	default:
		e.log.Debug("unknown action type ignored", "action_type", action.ActionType)
		return nil
	}
}

func (e *Executor) advance(ctx context.Context, action contracts.Action) error {
	payload := action.Payload
	scopeID := payload.ScopeID

	// Humans already decided; rechecking policy would let fresher
	// drift overrule them.
	var gate stategraph.Gate
	if action.ApprovedBy != "human" {
		drift := policy.DriftNone
		if d, err := roles.LoadDrift(ctx, e.blobs, scopeID); err != nil {
			return err
		} else if d != nil {
			drift = *d
		}
		gate = func(from, to string) (bool, string) {
			return e.declar.CanTransition(from, to, drift, scopeID)
		}
	}

	next, denied, err := e.states.AdvanceState(ctx, scopeID, payload.ExpectedEpoch, gate)
	if err != nil {
		return err
	}
	if denied != "" {
		e.log.Warn("advance blocked at execution",
			"scope_id", scopeID, "proposal_id", action.ProposalID, "reason", denied)
		return nil
	}
	if next == nil {
		// Lost the CAS: someone advanced past expected_epoch already.
		e.log.Info("already advanced", "scope_id", scopeID, "expected_epoch", payload.ExpectedEpoch)
		return nil
	}

	if job, ok := stategraph.NextJobForNode(next.LastNode); ok {
		ping := contracts.JobPing{ScopeID: scopeID, RunID: next.RunID, Job: contracts.JobType(job)}
		if _, err := e.bus.PublishJSON(ctx, contracts.JobSubject(contracts.JobType(job)), ping); err != nil {
			return err
		}
	}

	ev := contracts.NewEvent(contracts.EventStateTransition, "executor", &contracts.StateTransitionPayload{
		ScopeID: scopeID,
		From:    payload.From,
		To:      next.LastNode,
		Epoch:   next.Epoch,
		RunID:   next.RunID,
	})
	if _, err := e.wal.AppendEvent(ctx, ev); err != nil {
		return err
	}
	if _, err := e.bus.PublishEvent(ctx, ev); err != nil {
		return err
	}
	e.log.Info("state advanced",
		"scope_id", scopeID, "from", payload.From, "to", next.LastNode, "epoch", next.Epoch)
	return nil
}
