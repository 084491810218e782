package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// stubRunner returns a fixed output or error and counts invocations.
type stubRunner struct {
	out   *roles.Output
	err   error
	calls int
}

func (r *stubRunner) Run(context.Context, string, activation.Context) (*roles.Output, error) {
	r.calls++
	return r.out, r.err
}

type loopRig struct {
	loop      *Loop
	runner    *stubRunner
	states    *stategraph.Store
	wal       *wal.Log
	graph     *semgraph.Graph
	memory    *activation.MemoryStore
	processed *ProcessedStore
	checker   *authz.Engine
}

func newLoopRig(t *testing.T) *loopRig {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "loop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.NewWithClient(rdb, bus.Config{}, slog.Default())

	states, err := stategraph.New(ctx, db)
	require.NoError(t, err)
	walLog, err := wal.New(ctx, db)
	require.NoError(t, err)
	graph, err := semgraph.New(ctx, db)
	require.NoError(t, err)
	memory, err := activation.NewMemoryStore(ctx, db)
	require.NoError(t, err)
	processed, err := NewProcessedStore(ctx, db)
	require.NoError(t, err)

	checker := authz.NewEngine()
	require.NoError(t, checker.GrantWriter(ctx, "agent:facts", "*", stategraph.NodeContextIngested))

	runner := &stubRunner{out: &roles.Output{
		Payload: &contracts.FactsExtractedPayload{ScopeID: "scope-1", FactsHash: "h"},
		Hash:    "h",
		Facts: &semgraph.FactSet{
			Claims:     []semgraph.FactClaim{{Content: "the meeting moved to Tuesday", Confidence: 0.8}},
			Confidence: 0.8,
		},
	}}

	factsRole := roles.Registry()[0]
	loop := New(factsRole, runner, Deps{
		Bus: b, WAL: walLog, States: states, Memory: memory,
		Processed: processed, Graph: graph, Blobs: objectstore.NewMemory(),
		Checker: checker, Log: slog.Default(),
	})
	return &loopRig{
		loop: loop, runner: runner, states: states, wal: walLog,
		graph: graph, memory: memory, processed: processed, checker: checker,
	}
}

// docMsg wraps a context_doc event the way the bus would deliver it.
func docMsg(t *testing.T, id, scopeID, body string) *bus.Msg {
	t.Helper()
	ev := contracts.NewEvent(contracts.EventContextDoc, "test", &contracts.ContextDocPayload{
		ScopeID: scopeID, DocID: id, Body: body,
	})
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return &bus.Msg{Subject: contracts.EventSubject(ev.Type), ID: id, Data: data, Deliveries: 1}
}

// bootstrap seeds the state row and one WAL entry so the fresh-input
// gate opens.
func bootstrap(t *testing.T, r *loopRig, scopeID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.states.InitState(ctx, scopeID, "run-1", stategraph.NodeContextIngested))
	_, err := r.wal.AppendEvent(ctx, contracts.NewEvent(contracts.EventContextDoc, "test",
		&contracts.ContextDocPayload{ScopeID: scopeID, DocID: "d-1", Body: "hello"}))
	require.NoError(t, err)
}

func TestHandleFullActivation(t *testing.T) {
	ctx := context.Background()
	r := newLoopRig(t)
	bootstrap(t, r, "scope-1")

	require.NoError(t, r.loop.handle(docMsg(t, "1-0", "scope-1", "hello")))
	assert.Equal(t, 1, r.runner.calls)

	// Facts were synced into the graph.
	nodes, err := r.graph.NodesForScope(ctx, "scope-1", semgraph.TypeClaim)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	// The result event landed in the WAL after the input doc.
	entries, err := r.wal.TailEventsForScope(ctx, "scope-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.EventFactsExtracted, entries[1].Type)

	// Role memory advanced to the consumed seq.
	mem, err := r.memory.Load(ctx, "facts", "scope-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), mem.LastProcessedSeq)
	assert.False(t, mem.LastActivatedAt.IsZero())

	// The message is marked so a redelivery is a no-op.
	seen, err := r.processed.Seen(ctx, r.loop.ConsumerName(), "1-0")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, r.loop.handle(docMsg(t, "1-0", "scope-1", "hello")))
	assert.Equal(t, 1, r.runner.calls, "redelivery must not rerun the runner")
}

func TestHandlePublishesAdvanceProposal(t *testing.T) {
	ctx := context.Background()
	r := newLoopRig(t)
	bootstrap(t, r, "scope-1")
	require.NoError(t, r.loop.handle(docMsg(t, "1-0", "scope-1", "hello")))

	var proposals []contracts.Proposal
	_, err := r.loop.bus.Consume(ctx, contracts.StreamSwarm,
		contracts.ProposalSubject(contracts.JobExtractFacts), "test-drain",
		func(m *bus.Msg) error {
			var p contracts.Proposal
			if err := json.Unmarshal(m.Data, &p); err != nil {
				return err
			}
			proposals = append(proposals, p)
			return nil
		}, bus.ConsumeOpts{MaxMessages: 10, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	require.Len(t, proposals, 1)
	p := proposals[0]
	assert.Equal(t, "facts", p.Agent)
	assert.Equal(t, contracts.ActionAdvanceState, p.ProposedAction)
	assert.Equal(t, stategraph.NodeFactsExtracted, p.TargetNode)
	assert.Equal(t, "scope-1", p.Payload.ScopeID)
	assert.Equal(t, int64(0), p.Payload.ExpectedEpoch)
	assert.Equal(t, stategraph.NodeContextIngested, p.Payload.From)
	assert.Equal(t, contracts.ModeYOLO, p.Mode)
}

func TestHandleUnbootstrappedScopeRetries(t *testing.T) {
	r := newLoopRig(t)

	err := r.loop.handle(docMsg(t, "1-0", "ghost-scope", "hello"))
	require.Error(t, err)
	delay, ok := bus.RetryDelay(err)
	assert.True(t, ok)
	assert.Equal(t, defaultRetry, delay)
	assert.Zero(t, r.runner.calls)
}

func TestHandleDropsGarbage(t *testing.T) {
	r := newLoopRig(t)

	// Undecodable payloads and scopeless events are acked, not retried.
	require.NoError(t, r.loop.handle(&bus.Msg{ID: "1-0", Data: []byte("{broken")}))

	ev := contracts.NewEvent(contracts.EventContextDoc, "test", &contracts.ContextDocPayload{Body: "no scope"})
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, r.loop.handle(&bus.Msg{ID: "1-1", Data: data}))
	assert.Zero(t, r.runner.calls)
}

func TestHandleCooldownAfterActivation(t *testing.T) {
	r := newLoopRig(t)
	bootstrap(t, r, "scope-1")
	require.NoError(t, r.loop.handle(docMsg(t, "1-0", "scope-1", "hello")))

	// New WAL input arrives immediately; the role is still cooling down.
	_, err := r.wal.AppendEvent(context.Background(), contracts.NewEvent(contracts.EventContextDoc, "test",
		&contracts.ContextDocPayload{ScopeID: "scope-1", DocID: "d-2", Body: "more"}))
	require.NoError(t, err)

	err = r.loop.handle(docMsg(t, "2-0", "scope-1", "more"))
	require.Error(t, err)
	delay, ok := bus.RetryDelay(err)
	assert.True(t, ok)
	assert.Greater(t, delay.Milliseconds(), int64(0))
	assert.Equal(t, 1, r.runner.calls)
}

func TestHandleDeniedByAuthz(t *testing.T) {
	ctx := context.Background()
	r := newLoopRig(t)
	bootstrap(t, r, "scope-1")

	// Replace the engine's grant with one for a different node.
	denying := authz.NewEngine()
	require.NoError(t, denying.GrantWriter(ctx, "agent:facts", "*", stategraph.NodeDriftChecked))
	r.loop.checker = denying

	require.NoError(t, r.loop.handle(docMsg(t, "1-0", "scope-1", "hello")))
	assert.Zero(t, r.runner.calls)

	// Denied activations are marked so they do not spin on redelivery.
	seen, err := r.processed.Seen(ctx, r.loop.ConsumerName(), "1-0")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestHandleTransientRunnerErrorRetries(t *testing.T) {
	ctx := context.Background()
	r := newLoopRig(t)
	bootstrap(t, r, "scope-1")
	r.runner.err = roles.Transient(errors.New("worker unreachable"))
	r.runner.out = nil

	err := r.loop.handle(docMsg(t, "1-0", "scope-1", "hello"))
	require.Error(t, err)

	seen, err2 := r.processed.Seen(ctx, r.loop.ConsumerName(), "1-0")
	require.NoError(t, err2)
	assert.False(t, seen, "transient failures stay pending for redelivery")
}

func TestHandlePermanentRunnerErrorAcks(t *testing.T) {
	ctx := context.Background()
	r := newLoopRig(t)
	bootstrap(t, r, "scope-1")
	r.runner.err = errors.New("malformed scope data")
	r.runner.out = nil

	require.NoError(t, r.loop.handle(docMsg(t, "1-0", "scope-1", "hello")))

	seen, err := r.processed.Seen(ctx, r.loop.ConsumerName(), "1-0")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestProcessedStoreDedup(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "processed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewProcessedStore(ctx, db)
	require.NoError(t, err)

	seen, err := s.Seen(ctx, "agent-facts", "1-0")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.Mark(ctx, "agent-facts", "1-0"))
	require.NoError(t, s.Mark(ctx, "agent-facts", "1-0"), "marking twice is fine")

	seen, err = s.Seen(ctx, "agent-facts", "1-0")
	require.NoError(t, err)
	assert.True(t, seen)

	// Consumers do not share dedup state.
	seen, err = s.Seen(ctx, "agent-drift", "1-0")
	require.NoError(t, err)
	assert.False(t, seen)
}
