package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casegraph/swarm/pkg/bus"
	"github.com/casegraph/swarm/pkg/certificate"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/convergence"
	"github.com/casegraph/swarm/pkg/finality"
	"github.com/casegraph/swarm/pkg/objectstore"
	"github.com/casegraph/swarm/pkg/policy"
	"github.com/casegraph/swarm/pkg/review"
	"github.com/casegraph/swarm/pkg/semgraph"
	"github.com/casegraph/swarm/pkg/stategraph"
	"github.com/casegraph/swarm/pkg/store"
	"github.com/casegraph/swarm/pkg/wal"
)

const executorPolicy = `
mode: YOLO
transition_rules:
  - from: DriftChecked
    to: ContextIngested
    block_when:
      drift_level: [high]
    reason: drift too high
`

type execRig struct {
	exec   *Executor
	bus    *bus.Bus
	states *stategraph.Store
	wal    *wal.Log
	blobs  objectstore.Store
	certs  *certificate.Store
	graph  *semgraph.Graph
}

func newExecRig(t *testing.T) *execRig {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "exec.db"))
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
	conv, err := convergence.NewStore(ctx, db)
	require.NoError(t, err)
	queue, err := review.NewQueue(ctx, db, b, slog.Default())
	require.NoError(t, err)
	certs, err := certificate.NewStore(ctx, db)
	require.NoError(t, err)
	signer, err := certificate.NewSigner(nil)
	require.NoError(t, err)

	cfg, err := policy.Parse([]byte(executorPolicy))
	require.NoError(t, err)
	declar := policy.NewDeclarative(policy.Static(cfg))

	eval := finality.NewEvaluator(finality.DefaultConfig(), graph, states, conv,
		queue, signer, certs, walLog, b, nil, slog.Default())

	blobs := objectstore.NewMemory()
	exec := New(b, states, walLog, declar, blobs, eval, slog.Default())
	return &execRig{
		exec: exec, bus: b, states: states, wal: walLog,
		blobs: blobs, certs: certs, graph: graph,
	}
}

func actionMsg(t *testing.T, a contracts.Action) *bus.Msg {
	t.Helper()
	data, err := json.Marshal(a)
	require.NoError(t, err)
	return &bus.Msg{Subject: contracts.SubjectActionAdvance, ID: "1-0", Data: data, Deliveries: 1}
}

func approvedAdvance(scopeID, from string, epoch int64) contracts.Action {
	return contracts.Action{
		ProposalID: "p-1",
		ApprovedBy: "governor",
		Result:     contracts.ResultApproved,
		ActionType: contracts.ActionAdvanceState,
		Payload: contracts.AdvancePayload{
			ScopeID:       scopeID,
			ExpectedEpoch: epoch,
			RunID:         "run-1",
			From:          from,
			To:            stategraph.NextNode(from),
		},
	}
}

func TestHandleAdvancesAndSchedulesNextJob(t *testing.T) {
	ctx := context.Background()
	r := newExecRig(t)
	require.NoError(t, r.states.InitState(ctx, "scope-1", "run-1", stategraph.NodeContextIngested))

	a := approvedAdvance("scope-1", stategraph.NodeContextIngested, 0)
	require.NoError(t, r.exec.handle(actionMsg(t, a)))

	st, err := r.states.LoadState(ctx, "scope-1")
	require.NoError(t, err)
	assert.Equal(t, stategraph.NodeFactsExtracted, st.LastNode)
	assert.Equal(t, int64(1), st.Epoch)

	// The drift job is woken for the new node.
	var pings []contracts.JobPing
	_, err = r.bus.Consume(ctx, contracts.StreamSwarm, contracts.JobSubject(contracts.JobCheckDrift), "drain",
		func(m *bus.Msg) error {
			var p contracts.JobPing
			if err := json.Unmarshal(m.Data, &p); err != nil {
				return err
			}
			pings = append(pings, p)
			return nil
		}, bus.ConsumeOpts{MaxMessages: 10, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, pings, 1)
	assert.Equal(t, "scope-1", pings[0].ScopeID)
	assert.Equal(t, contracts.JobCheckDrift, pings[0].Job)
	assert.Equal(t, "run-1", pings[0].RunID)

	entries, err := r.wal.TailEventsForScope(ctx, "scope-1", 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.EventStateTransition, entries[0].Type)
}

func TestHandleLostCASIsQuiet(t *testing.T) {
	ctx := context.Background()
	r := newExecRig(t)
	require.NoError(t, r.states.InitState(ctx, "scope-1", "run-1", stategraph.NodeContextIngested))

	a := approvedAdvance("scope-1", stategraph.NodeContextIngested, 5)
	require.NoError(t, r.exec.handle(actionMsg(t, a)))

	st, err := r.states.LoadState(ctx, "scope-1")
	require.NoError(t, err)
	assert.Zero(t, st.Epoch, "stale action must not move the state")

	entries, err := r.wal.TailEventsForScope(ctx, "scope-1", 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHandleGateBlocksAtExecution(t *testing.T) {
	ctx := context.Background()
	r := newExecRig(t)
	require.NoError(t, r.states.InitState(ctx, "scope-1", "run-1", stategraph.NodeDriftChecked))

	drift, err := json.Marshal(policy.Drift{Level: "high"})
	require.NoError(t, err)
	require.NoError(t, r.blobs.Put(ctx, objectstore.LatestKey("scope-1", "drift"), drift))

	a := approvedAdvance("scope-1", stategraph.NodeDriftChecked, 0)
	require.NoError(t, r.exec.handle(actionMsg(t, a)))

	st, err := r.states.LoadState(ctx, "scope-1")
	require.NoError(t, err)
	assert.Equal(t, stategraph.NodeDriftChecked, st.LastNode)
	assert.Zero(t, st.Epoch)
}

func TestHandleHumanApprovalSkipsGate(t *testing.T) {
	ctx := context.Background()
	r := newExecRig(t)
	require.NoError(t, r.states.InitState(ctx, "scope-1", "run-1", stategraph.NodeDriftChecked))

	// Same drift that blocks a governor-approved advance.
	drift, err := json.Marshal(policy.Drift{Level: "high"})
	require.NoError(t, err)
	require.NoError(t, r.blobs.Put(ctx, objectstore.LatestKey("scope-1", "drift"), drift))

	a := approvedAdvance("scope-1", stategraph.NodeDriftChecked, 0)
	a.ApprovedBy = "human"
	require.NoError(t, r.exec.handle(actionMsg(t, a)))

	st, err := r.states.LoadState(ctx, "scope-1")
	require.NoError(t, err)
	assert.Equal(t, stategraph.NodeContextIngested, st.LastNode)
	assert.Equal(t, int64(1), st.Epoch)
}

func TestHandleIgnoresRejectedAction(t *testing.T) {
	ctx := context.Background()
	r := newExecRig(t)
	require.NoError(t, r.states.InitState(ctx, "scope-1", "run-1", stategraph.NodeContextIngested))

	a := approvedAdvance("scope-1", stategraph.NodeContextIngested, 0)
	a.Result = contracts.ResultRejected
	require.NoError(t, r.exec.handle(actionMsg(t, a)))

	st, err := r.states.LoadState(ctx, "scope-1")
	require.NoError(t, err)
	assert.Zero(t, st.Epoch)
}

func TestHandleDispatchesFinalityResponse(t *testing.T) {
	ctx := context.Background()
	r := newExecRig(t)
	require.NoError(t, r.states.InitState(ctx, "scope-1", "run-1", stategraph.NodeContextIngested))

	a := contracts.Action{
		ProposalID: "p-9",
		ApprovedBy: "human",
		Result:     contracts.ResultFinalityResponse,
		ActionType: contracts.ActionFinality,
		Finality: &contracts.FinalityResponse{
			ScopeID: "scope-1",
			Option:  contracts.OptionApproveFinality,
		},
	}
	require.NoError(t, r.exec.handle(actionMsg(t, a)))

	rec, err := r.certs.Latest(ctx, "scope-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, string(contracts.FinalityResolved), rec.Decision)

	// A finality action without the response body is dropped, not retried.
	a.Finality = nil
	require.NoError(t, r.exec.handle(actionMsg(t, a)))
}

func TestHandleDropsGarbageAndUnknownTypes(t *testing.T) {
	r := newExecRig(t)

	require.NoError(t, r.exec.handle(&bus.Msg{ID: "1-0", Data: []byte("{nope")}))

	a := contracts.Action{ActionType: "reticulate_splines", Result: contracts.ResultApproved}
	require.NoError(t, r.exec.handle(actionMsg(t, a)))
}
