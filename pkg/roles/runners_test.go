package roles

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casegraph/swarm/pkg/activation"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/objectstore"
	"github.com/casegraph/swarm/pkg/policy"
	"github.com/casegraph/swarm/pkg/semgraph"
	"github.com/casegraph/swarm/pkg/stategraph"
	"github.com/casegraph/swarm/pkg/store"
	"github.com/casegraph/swarm/pkg/wal"
)

// fakeWorker serves /extract and /drift with canned responses and
// records what it was asked.
type fakeWorker struct {
	facts        semgraph.FactSet
	drift        policy.Drift
	lastExtract  *ExtractRequest
	lastDrift    *DriftRequest
	extractCalls int
}

func (f *fakeWorker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /extract", func(w http.ResponseWriter, r *http.Request) {
		var req ExtractRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.lastExtract = &req
		f.extractCalls++
		_ = json.NewEncoder(w).Encode(ExtractResponse{Facts: f.facts})
	})
	mux.HandleFunc("POST /drift", func(w http.ResponseWriter, r *http.Request) {
		var req DriftRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.lastDrift = &req
		_ = json.NewEncoder(w).Encode(DriftResponse{Drift: f.drift})
	})
	return mux
}

func testWAL(t *testing.T) *wal.Log {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "roles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	w, err := wal.New(context.Background(), db)
	require.NoError(t, err)
	return w
}

func TestFactsRunner(t *testing.T) {
	ctx := context.Background()
	worker := &fakeWorker{facts: semgraph.FactSet{
		Claims:     []semgraph.FactClaim{{Content: "the order shipped Friday", Confidence: 0.8}},
		Confidence: 0.8,
	}}
	srv := httptest.NewServer(worker.handler())
	t.Cleanup(srv.Close)

	walLog := testWAL(t)
	for _, body := range []string{"first email", "second email"} {
		_, err := walLog.AppendEvent(ctx, contracts.NewEvent(contracts.EventContextDoc, "test",
			&contracts.ContextDocPayload{ScopeID: "scope-1", DocID: body, Body: body}))
		require.NoError(t, err)
	}

	blobs := objectstore.NewMemory()
	runner := NewFactsRunner(walLog, blobs, NewExtractionClient(srv.URL, nil))

	out, err := runner.Run(ctx, "scope-1", activation.Context{LatestSeq: 2})
	require.NoError(t, err)

	payload, ok := out.Payload.(*contracts.FactsExtractedPayload)
	require.True(t, ok)
	assert.Equal(t, "scope-1", payload.ScopeID)
	assert.Len(t, payload.FactsHash, 64)
	assert.Equal(t, payload.FactsHash, out.Hash)
	assert.Equal(t, int64(2), payload.Seq)
	assert.Len(t, payload.Wrote, 2)
	require.NotNil(t, out.Facts)
	assert.Len(t, out.Facts.Claims, 1)

	// The worker saw the replayed WAL tail.
	require.NotNil(t, worker.lastExtract)
	assert.Len(t, worker.lastExtract.Context, 2)
	assert.Nil(t, worker.lastExtract.PreviousFacts)

	// The latest snapshot is readable and the second run hands the
	// previous facts back to the worker; identical output hashes the same.
	stored, err := blobs.Get(ctx, objectstore.LatestKey("scope-1", "facts"))
	require.NoError(t, err)
	var roundTrip semgraph.FactSet
	require.NoError(t, json.Unmarshal(stored, &roundTrip))
	assert.Len(t, roundTrip.Claims, 1)

	out2, err := runner.Run(ctx, "scope-1", activation.Context{LatestSeq: 2})
	require.NoError(t, err)
	assert.Equal(t, out.Hash, out2.Hash)
	require.NotNil(t, worker.lastExtract.PreviousFacts)
	assert.Equal(t, 2, worker.extractCalls)
}

func TestFactsRunnerWorkerDownIsTransient(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	runner := NewFactsRunner(testWAL(t), objectstore.NewMemory(), NewExtractionClient(srv.URL, nil))
	_, err := runner.Run(ctx, "scope-1", activation.Context{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestDriftRunnerWithoutFacts(t *testing.T) {
	ctx := context.Background()
	worker := &fakeWorker{}
	srv := httptest.NewServer(worker.handler())
	t.Cleanup(srv.Close)

	blobs := objectstore.NewMemory()
	runner := NewDriftRunner(blobs, NewExtractionClient(srv.URL, nil))

	out, err := runner.Run(ctx, "scope-1", activation.Context{})
	require.NoError(t, err)

	// No facts yet: classified none without consulting the worker.
	payload := out.Payload.(*contracts.DriftAnalyzedPayload)
	assert.Equal(t, "none", payload.DriftLevel)
	assert.Nil(t, worker.lastDrift)

	_, err = blobs.Get(ctx, objectstore.LatestKey("scope-1", "drift"))
	assert.NoError(t, err)
}

func TestDriftRunnerClassifies(t *testing.T) {
	ctx := context.Background()
	worker := &fakeWorker{drift: policy.Drift{Level: "high", Types: []string{"schema"}, Notes: "field renamed"}}
	srv := httptest.NewServer(worker.handler())
	t.Cleanup(srv.Close)

	blobs := objectstore.NewMemory()
	facts, _ := json.Marshal(semgraph.FactSet{Claims: []semgraph.FactClaim{{Content: "c", Confidence: 0.8}}})
	require.NoError(t, blobs.Put(ctx, objectstore.LatestKey("scope-1", "facts"), facts))

	runner := NewDriftRunner(blobs, NewExtractionClient(srv.URL, nil))
	out, err := runner.Run(ctx, "scope-1", activation.Context{})
	require.NoError(t, err)

	payload := out.Payload.(*contracts.DriftAnalyzedPayload)
	assert.Equal(t, "high", payload.DriftLevel)
	assert.Equal(t, []string{"schema"}, payload.DriftTypes)
	assert.Len(t, payload.DriftHash, 64)
	require.NotNil(t, worker.lastDrift)
	assert.Len(t, worker.lastDrift.Facts.Claims, 1)

	// The stored record feeds the next round as previous drift.
	prev, err := LoadDrift(ctx, blobs, "scope-1")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "high", prev.Level)
}

const plannerPolicy = `
mode: YOLO
rules:
  - when:
      drift_level: [medium, high]
    action: "escalate schema drift to the data owner"
`

func TestPlannerRunner(t *testing.T) {
	ctx := context.Background()
	cfg, err := policy.Parse([]byte(plannerPolicy))
	require.NoError(t, err)
	pol := policy.NewDeclarative(policy.Static(cfg))

	blobs := objectstore.NewMemory()
	facts, _ := json.Marshal(semgraph.FactSet{
		Contradictions: []string{`NLI: "a" vs "b"`},
		Risks: []semgraph.FactRisk{
			{Content: "credentials in plaintext", Severity: "high"},
			{Content: "stale dashboard", Severity: "low"},
		},
	})
	drift, _ := json.Marshal(policy.Drift{Level: "high", Types: []string{"schema"}})
	require.NoError(t, blobs.Put(ctx, objectstore.LatestKey("scope-1", "facts"), facts))
	require.NoError(t, blobs.Put(ctx, objectstore.LatestKey("scope-1", "drift"), drift))

	runner := NewPlannerRunner(blobs, pol)
	out, err := runner.Run(ctx, "scope-1", activation.Context{})
	require.NoError(t, err)

	payload := out.Payload.(*contracts.ActionsPlannedPayload)
	require.Len(t, payload.Actions, 3)

	// Governance suggestions lead, then contradictions, then severe risks.
	assert.Equal(t, 1, payload.Actions[0].Rank)
	assert.Equal(t, "escalate schema drift to the data owner", payload.Actions[0].Action)
	assert.Contains(t, payload.Actions[1].Action, "resolve contradiction")
	assert.Contains(t, payload.Actions[2].Action, "credentials in plaintext")
	assert.Equal(t, 3, payload.Actions[2].Rank)
}

func TestPlannerRunnerEmptyScope(t *testing.T) {
	cfg, err := policy.Parse([]byte(plannerPolicy))
	require.NoError(t, err)
	runner := NewPlannerRunner(objectstore.NewMemory(), policy.NewDeclarative(policy.Static(cfg)))

	out, err := runner.Run(context.Background(), "scope-1", activation.Context{})
	require.NoError(t, err)

	payload := out.Payload.(*contracts.ActionsPlannedPayload)
	assert.Empty(t, payload.Actions)
	assert.Len(t, out.Hash, 64)
}

func TestStatusRunner(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	states, err := stategraph.New(ctx, db)
	require.NoError(t, err)
	graph, err := semgraph.New(ctx, db)
	require.NoError(t, err)
	require.NoError(t, states.InitState(ctx, "scope-1", "run-1", stategraph.NodeFactsExtracted))
	_, err = graph.SyncFacts(ctx, "scope-1", semgraph.FactSet{
		Claims:     []semgraph.FactClaim{{Content: "claim one", Confidence: 0.8}},
		Confidence: 0.8,
	})
	require.NoError(t, err)

	runner := NewStatusRunner(states, graph, nil)
	out, err := runner.Run(ctx, "scope-1", activation.Context{})
	require.NoError(t, err)

	payload := out.Payload.(*contracts.StatusSummarizedPayload)
	assert.Contains(t, payload.Summary, "scope-1")
	assert.Contains(t, payload.Summary, stategraph.NodeFactsExtracted)
	assert.Contains(t, payload.Summary, "1 active claims")
	assert.Len(t, out.Hash, 64)
}

func TestEmbeddingClient(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req["model"]
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	}))
	t.Cleanup(srv.Close)

	client := NewEmbeddingClient(srv.URL, "", nil)
	vec, err := client.Embed(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "mxbai-embed-large", gotModel)
}
