package governor

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casegraph/swarm/pkg/authz"
	"github.com/casegraph/swarm/pkg/bus"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/objectstore"
	"github.com/casegraph/swarm/pkg/policy"
	"github.com/casegraph/swarm/pkg/review"
	"github.com/casegraph/swarm/pkg/stategraph"
	"github.com/casegraph/swarm/pkg/store"
	"github.com/casegraph/swarm/pkg/wal"
)

const governorPolicy = `
mode: YOLO
transition_rules:
  - from: DriftChecked
    to: ContextIngested
    block_when:
      drift_level: [high]
    reason: drift too high
scopes:
  supervised:
    mode: MITL
  overridden:
    mode: MASTER
`

type govRig struct {
	gov    *Governor
	bus    *bus.Bus
	states *stategraph.Store
	wal    *wal.Log
	queue  *review.Queue
	blobs  objectstore.Store
}

func newGovRig(t *testing.T) *govRig {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "gov.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.NewWithClient(rdb, bus.Config{}, slog.Default())

	states, err := stategraph.New(ctx, db)
	require.NoError(t, err)
	walLog, err := wal.New(ctx, db)
	require.NoError(t, err)
	queue, err := review.NewQueue(ctx, db, b, slog.Default())
	require.NoError(t, err)
	audit, err := policy.NewAuditStore(ctx, db)
	require.NoError(t, err)

	cfg, err := policy.Parse([]byte(governorPolicy))
	require.NoError(t, err)
	loader := policy.Static(cfg)
	engine := policy.NewEngine(policy.NewDeclarative(loader), audit)

	checker := authz.NewEngine()
	require.NoError(t, checker.GrantWriter(ctx, "agent:facts", "*", stategraph.NodeFactsExtracted))
	require.NoError(t, checker.GrantWriter(ctx, "agent:status", "*", stategraph.NodeContextIngested))

	blobs := objectstore.NewMemory()
	gov := New(b, states, walLog, engine, loader, queue, checker, blobs, slog.Default())
	return &govRig{gov: gov, bus: b, states: states, wal: walLog, queue: queue, blobs: blobs}
}

func advProposal(t *testing.T, scopeID, agent, from, to string, epoch int64) contracts.Proposal {
	t.Helper()
	return contracts.Proposal{
		ProposalID:     uuid.NewString(),
		Agent:          agent,
		ProposedAction: contracts.ActionAdvanceState,
		TargetNode:     to,
		Payload: contracts.AdvancePayload{
			ScopeID:       scopeID,
			ExpectedEpoch: epoch,
			RunID:         "run-1",
			From:          from,
			To:            to,
		},
		Mode:      contracts.ModeYOLO,
		CreatedAt: store.UTCNow(),
	}
}

func proposalMsg(t *testing.T, p contracts.Proposal) *bus.Msg {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return &bus.Msg{
		Subject:    contracts.ProposalSubject(contracts.JobExtractFacts),
		ID:         "1-0",
		Data:       data,
		Deliveries: 1,
	}
}

func drainJSON[T any](t *testing.T, b *bus.Bus, subject string) []T {
	t.Helper()
	var out []T
	_, err := b.Consume(context.Background(), contracts.StreamSwarm, subject, "drain",
		func(m *bus.Msg) error {
			var v T
			if err := json.Unmarshal(m.Data, &v); err != nil {
				return err
			}
			out = append(out, v)
			return nil
		}, bus.ConsumeOpts{MaxMessages: 10, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	return out
}

func TestHandleApprovesCleanProposal(t *testing.T) {
	ctx := context.Background()
	r := newGovRig(t)
	require.NoError(t, r.states.InitState(ctx, "scope-1", "run-1", stategraph.NodeContextIngested))

	p := advProposal(t, "scope-1", "facts", stategraph.NodeContextIngested, stategraph.NodeFactsExtracted, 0)
	require.NoError(t, r.gov.handle(proposalMsg(t, p)))

	actions := drainJSON[contracts.Action](t, r.bus, contracts.SubjectActionAdvance)
	require.Len(t, actions, 1)
	assert.Equal(t, p.ProposalID, actions[0].ProposalID)
	assert.Equal(t, "governor", actions[0].ApprovedBy)
	assert.Equal(t, contracts.ResultApproved, actions[0].Result)
	assert.Equal(t, contracts.ActionAdvanceState, actions[0].ActionType)
	assert.Equal(t, int64(0), actions[0].Payload.ExpectedEpoch)

	entries, err := r.wal.TailEventsForScope(ctx, "scope-1", 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.EventProposalApproved, entries[0].Type)
}

func TestHandleRejectsStaleEpoch(t *testing.T) {
	ctx := context.Background()
	r := newGovRig(t)
	require.NoError(t, r.states.InitState(ctx, "scope-1", "run-1", stategraph.NodeContextIngested))

	p := advProposal(t, "scope-1", "facts", stategraph.NodeContextIngested, stategraph.NodeFactsExtracted, 7)
	require.NoError(t, r.gov.handle(proposalMsg(t, p)))

	rejections := drainJSON[contracts.Rejection](t, r.bus, contracts.RejectionSubject(contracts.ActionAdvanceState))
	require.Len(t, rejections, 1)
	assert.Equal(t, p.ProposalID, rejections[0].ProposalID)
	assert.Contains(t, rejections[0].Reason, ReasonEpochMismatch)
	assert.Contains(t, rejections[0].Reason, "expected 7, current 0")
	assert.Equal(t, "governor", rejections[0].RejectedBy)

	entries, err := r.wal.TailEventsForScope(ctx, "scope-1", 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.EventProposalRejected, entries[0].Type)
}

func TestHandleRejectsUnknownScope(t *testing.T) {
	r := newGovRig(t)

	p := advProposal(t, "ghost", "facts", stategraph.NodeContextIngested, stategraph.NodeFactsExtracted, 0)
	require.NoError(t, r.gov.handle(proposalMsg(t, p)))

	rejections := drainJSON[contracts.Rejection](t, r.bus, contracts.RejectionSubject(contracts.ActionAdvanceState))
	require.Len(t, rejections, 1)
	assert.Contains(t, rejections[0].Reason, "current -1")
}

func TestHandleBlocksOnHighDrift(t *testing.T) {
	ctx := context.Background()
	r := newGovRig(t)
	require.NoError(t, r.states.InitState(ctx, "scope-1", "run-1", stategraph.NodeDriftChecked))

	drift, err := json.Marshal(policy.Drift{Level: "high"})
	require.NoError(t, err)
	require.NoError(t, r.blobs.Put(ctx, objectstore.LatestKey("scope-1", "drift"), drift))

	p := advProposal(t, "scope-1", "status", stategraph.NodeDriftChecked, stategraph.NodeContextIngested, 0)
	require.NoError(t, r.gov.handle(proposalMsg(t, p)))

	rejections := drainJSON[contracts.Rejection](t, r.bus, contracts.RejectionSubject(contracts.ActionAdvanceState))
	require.Len(t, rejections, 1)
	assert.Equal(t, "drift too high", rejections[0].Reason)
}

func TestHandleMasterModeSkipsGates(t *testing.T) {
	ctx := context.Background()
	r := newGovRig(t)
	require.NoError(t, r.states.InitState(ctx, "overridden", "run-1", stategraph.NodeDriftChecked))

	// High drift would reject under YOLO; MASTER bypasses evaluation.
	drift, err := json.Marshal(policy.Drift{Level: "high"})
	require.NoError(t, err)
	require.NoError(t, r.blobs.Put(ctx, objectstore.LatestKey("overridden", "drift"), drift))

	p := advProposal(t, "overridden", "status", stategraph.NodeDriftChecked, stategraph.NodeContextIngested, 0)
	require.NoError(t, r.gov.handle(proposalMsg(t, p)))

	actions := drainJSON[contracts.Action](t, r.bus, contracts.SubjectActionAdvance)
	require.Len(t, actions, 1)
	assert.Equal(t, "master", actions[0].ApprovedBy)
	assert.Equal(t, "master_override", actions[0].Reason)
}

func TestHandleDeniesUnauthorizedAgent(t *testing.T) {
	ctx := context.Background()
	r := newGovRig(t)
	require.NoError(t, r.states.InitState(ctx, "scope-1", "run-1", stategraph.NodeContextIngested))

	violations := 0
	r.gov.OnPolicyViolation = func(string) { violations++ }

	// Planner has no writer grant on FactsExtracted in this rig.
	p := advProposal(t, "scope-1", "planner", stategraph.NodeContextIngested, stategraph.NodeFactsExtracted, 0)
	require.NoError(t, r.gov.handle(proposalMsg(t, p)))

	rejections := drainJSON[contracts.Rejection](t, r.bus, contracts.RejectionSubject(contracts.ActionAdvanceState))
	require.Len(t, rejections, 1)
	assert.Contains(t, rejections[0].Reason, "no writer relation")
	assert.Equal(t, 1, violations)
}

func TestHandleParksInMITLMode(t *testing.T) {
	ctx := context.Background()
	r := newGovRig(t)
	require.NoError(t, r.states.InitState(ctx, "supervised", "run-1", stategraph.NodeContextIngested))

	p := advProposal(t, "supervised", "facts", stategraph.NodeContextIngested, stategraph.NodeFactsExtracted, 0)
	require.NoError(t, r.gov.handle(proposalMsg(t, p)))

	// No action is published; the proposal waits in the queue.
	actions := drainJSON[contracts.Action](t, r.bus, contracts.SubjectActionAdvance)
	assert.Empty(t, actions)

	item, err := r.queue.GetPending(ctx, p.ProposalID)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "supervised", item.ScopeID)
	assert.Equal(t, review.KindAdvance, item.Kind)

	var parked contracts.Proposal
	require.NoError(t, json.Unmarshal(item.Proposal, &parked))
	assert.Equal(t, p.ProposalID, parked.ProposalID)

	entries, err := r.wal.TailEventsForScope(ctx, "supervised", 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.EventProposalPendingApproval, entries[0].Type)
}

func TestHandleIgnoresNonAdvanceProposals(t *testing.T) {
	r := newGovRig(t)

	p := advProposal(t, "scope-1", "facts", stategraph.NodeContextIngested, stategraph.NodeFactsExtracted, 0)
	p.ProposedAction = "delete_everything"
	require.NoError(t, r.gov.handle(proposalMsg(t, p)))

	require.NoError(t, r.gov.handle(&bus.Msg{ID: "1-1", Data: []byte("not json")}))

	rejections := drainJSON[contracts.Rejection](t, r.bus, contracts.RejectionSubject(contracts.ActionAdvanceState))
	assert.Empty(t, rejections)
}
