// Package agentloop runs the long-lived consumer loop for each agent
// role: dedup, activation filter, authorization, runner invocation,
// graph sync, memory update, and the advance proposal.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/casegraph/swarm/pkg/activation"
	"github.com/casegraph/swarm/pkg/authz"
	"github.com/casegraph/swarm/pkg/bus"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/objectstore"
	"github.com/casegraph/swarm/pkg/roles"
	"github.com/casegraph/swarm/pkg/semgraph"
	"github.com/casegraph/swarm/pkg/stategraph"
	"github.com/casegraph/swarm/pkg/store"
	"github.com/casegraph/swarm/pkg/wal"
)

// defaultRetry spaces redeliveries for scopes that are not ready yet.
const defaultRetry = 2 * time.Second

// Loop binds one role to the event stream.
type Loop struct {
	role      roles.Role
	runner    roles.Runner
	bus       *bus.Bus
	wal       *wal.Log
	states    *stategraph.Store
	memory    *activation.MemoryStore
	processed *ProcessedStore
	graph     *semgraph.Graph
	blobs     objectstore.Store
	checker   authz.Checker
	embedder  *roles.EmbeddingClient
	log       *slog.Logger
}

// Deps carries the shared infrastructure every loop needs.
type Deps struct {
	Bus       *bus.Bus
	WAL       *wal.Log
	States    *stategraph.Store
	Memory    *activation.MemoryStore
	Processed *ProcessedStore
	Graph     *semgraph.Graph
	Blobs     objectstore.Store
	Checker   authz.Checker
	// Embedder is optional; when set, newly synced claims are
	// enriched with vectors best-effort.
	Embedder *roles.EmbeddingClient
	Log      *slog.Logger
}

// New builds a loop for one role.
func New(role roles.Role, runner roles.Runner, d Deps) *Loop {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		role: role, runner: runner,
		bus: d.Bus, wal: d.WAL, states: d.States, memory: d.Memory,
		processed: d.Processed, graph: d.Graph, blobs: d.Blobs,
		checker: d.Checker, embedder: d.Embedder,
		log: log.With("role", role.Name),
	}
}

// ConsumerName is the durable consumer-group identity for a role.
func (l *Loop) ConsumerName() string { return "agent-" + l.role.Name }

// Run subscribes the role to the event stream and blocks until ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.memory.SeedFilterConfig(ctx, l.role.Filter); err != nil {
		return err
	}
	l.log.Info("agent loop starting", "consumer", l.ConsumerName())
	return l.bus.Subscribe(ctx, contracts.StreamSwarm, contracts.SubjectEventsAll, l.ConsumerName(), l.handle)
}

func (l *Loop) handle(msg *bus.Msg) error {
	ctx := context.Background()

	var ev contracts.SwarmEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		l.log.Warn("undecodable event dropped", "subject", msg.Subject, "error", err)
		return nil
	}
	scopeID := ev.ScopeID()
	if scopeID == "" {
		return nil
	}

	consumer := l.ConsumerName()
	seen, err := l.processed.Seen(ctx, consumer, msg.ID)
	if err != nil {
		return err // transient: retry
	}
	if seen {
		return nil
	}

	state, err := l.states.LoadState(ctx, scopeID)
	if errors.Is(err, stategraph.ErrNotFound) {
		// Scope not bootstrapped yet; the next event retries.
		return bus.RetryAfter(defaultRetry)
	}
	if err != nil {
		return err
	}

	cfg, err := l.memory.LoadFilterConfig(ctx, l.role.Name, l.role.Filter)
	if err != nil {
		return err
	}
	mem, err := l.memory.Load(ctx, l.role.Name, scopeID)
	if err != nil {
		return err
	}
	latestSeq, err := l.wal.LatestSeq(ctx, scopeID)
	if err != nil {
		return err
	}
	inputHash, err := l.inputHash(ctx, scopeID)
	if err != nil {
		return err
	}

	decision := activation.Evaluate(cfg, mem, activation.Input{
		Now:         store.UTCNow(),
		LatestSeq:   latestSeq,
		CurrentHash: inputHash,
		Field:       l.role.HashField,
		StateNode:   state.LastNode,
	})
	if !decision.Activate {
		if decision.Reason == activation.RejectCooldown {
			return bus.RetryAfter(decision.RetryIn)
		}
		l.log.Debug("activation rejected", "scope_id", scopeID, "reason", decision.Reason)
		return nil
	}

	principal := "agent:" + l.role.Name
	object := authz.ObjectForNode(scopeID, state.LastNode)
	authd, err := l.checker.Check(ctx, principal, "writer", object)
	if err != nil || !authd.Allowed {
		reason := authd.Reason
		if err != nil {
			reason = err.Error()
		}
		l.log.Warn("activation denied by authorization",
			"scope_id", scopeID, "principal", principal, "object", object, "reason", reason)
		return l.processed.Mark(ctx, consumer, msg.ID)
	}

	out, err := l.runner.Run(ctx, scopeID, *decision.Ctx)
	if err != nil {
		if roles.IsTransient(err) {
			l.log.Warn("runner failed, will retry", "scope_id", scopeID, "error", err)
			return err
		}
		l.log.Error("runner failed permanently", "scope_id", scopeID, "error", err)
		return l.processed.Mark(ctx, consumer, msg.ID)
	}

	if out.Facts != nil {
		if _, err := l.graph.SyncFacts(ctx, scopeID, *out.Facts); err != nil {
			return err
		}
		l.enrichEmbeddings(ctx, scopeID)
	}

	resultEv := contracts.NewEvent(l.role.ResultEventType, l.role.Name, out.Payload)
	if _, err := l.wal.AppendEvent(ctx, resultEv); err != nil {
		return err
	}
	if _, err := l.bus.PublishEvent(ctx, resultEv); err != nil {
		return err
	}

	mem.Role = l.role.Name
	mem.ScopeID = scopeID
	mem.LastActivatedAt = store.UTCNow()
	mem.LastProcessedSeq = decision.Ctx.LatestSeq
	if l.role.HashField == activation.FieldDriftHash {
		mem.LastDriftHash = inputHash
	} else {
		mem.LastHash = inputHash
	}
	if err := l.memory.Save(ctx, mem); err != nil {
		return err
	}

	if l.role.ProposesAdvance {
		if err := l.propose(ctx, state); err != nil {
			return err
		}
	}
	return l.processed.Mark(ctx, consumer, msg.ID)
}

// inputHash is the stable content hash over what the role reads:
// this, not the output, is what the dedup gate compares.
func (l *Loop) inputHash(ctx context.Context, scopeID string) (string, error) {
	var keys []string
	switch l.role.Name {
	case roles.RoleDrift:
		keys = []string{objectstore.LatestKey(scopeID, "facts")}
	case roles.RolePlanner:
		keys = []string{objectstore.LatestKey(scopeID, "facts"), objectstore.LatestKey(scopeID, "drift")}
	default:
		// Facts and status activate on fresh WAL input alone.
		return "", nil
	}
	inputs := make(map[string]string, len(keys))
	for _, key := range keys {
		data, err := l.blobs.Get(ctx, key)
		if err != nil {
			if err == objectstore.ErrNotFound {
				continue
			}
			return "", roles.Transient(err)
		}
		inputs[key] = string(data)
	}
	if len(inputs) == 0 {
		return "", nil
	}
	return activation.ContentHash(inputs)
}

func (l *Loop) propose(ctx context.Context, state *stategraph.State) error {
	to := stategraph.NextNode(state.LastNode)
	if to == "" {
		return nil
	}
	proposal := contracts.Proposal{
		ProposalID:     uuid.NewString(),
		Agent:          l.role.Name,
		ProposedAction: contracts.ActionAdvanceState,
		TargetNode:     to,
		Payload: contracts.AdvancePayload{
			ScopeID:       state.ScopeID,
			ExpectedEpoch: state.Epoch,
			RunID:         state.RunID,
			From:          state.LastNode,
			To:            to,
		},
		Mode:      contracts.ModeYOLO,
		CreatedAt: store.UTCNow(),
	}
	subject := contracts.ProposalSubject(l.role.JobType)
	if _, err := l.bus.PublishJSON(ctx, subject, proposal); err != nil {
		return fmt.Errorf("agentloop: publish proposal: %w", err)
	}
	l.log.Info("advance proposed",
		"scope_id", state.ScopeID, "proposal_id", proposal.ProposalID,
		"from", state.LastNode, "to", to, "expected_epoch", state.Epoch)
	return nil
}

// enrichEmbeddings attaches vectors to claims that lack them.
// Best-effort: an unreachable embedding backend never fails the loop.
func (l *Loop) enrichEmbeddings(ctx context.Context, scopeID string) {
	if l.embedder == nil {
		return
	}
	claims, err := l.graph.ClaimsWithoutEmbedding(ctx, scopeID, 20)
	if err != nil {
		l.log.Warn("embedding enrichment skipped", "scope_id", scopeID, "error", err)
		return
	}
	for _, claim := range claims {
		vec, err := l.embedder.Embed(ctx, claim.Content)
		if err != nil {
			l.log.Warn("embedding call failed", "scope_id", scopeID, "error", err)
			return
		}
		if len(vec) != semgraph.EmbeddingDim {
			l.log.Debug("embedding discarded", "dims", len(vec))
			continue
		}
		if err := l.graph.SetEmbedding(ctx, claim.NodeID, vec); err != nil {
			l.log.Warn("embedding store failed", "node_id", claim.NodeID, "error", err)
		}
	}
}
