package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casegraph/swarm/pkg/bus"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/review"
	"github.com/casegraph/swarm/pkg/store"
)

func newReviewRig(t *testing.T) (*ReviewServer, *review.Queue) {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "reviewsrv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.NewWithClient(rdb, bus.Config{}, slog.Default())

	queue, err := review.NewQueue(ctx, db, b, slog.Default())
	require.NoError(t, err)
	return NewReviewServer(queue, AuthConfig{StaticToken: testToken}, slog.Default()), queue
}

func parkAdvance(t *testing.T, queue *review.Queue, proposalID string) {
	t.Helper()
	payload, err := json.Marshal(contracts.AdvancePayload{
		ScopeID: "scope-1", ExpectedEpoch: 1, From: "FactsExtracted", To: "DriftChecked",
	})
	require.NoError(t, err)
	require.NoError(t, queue.AddPending(context.Background(), review.Pending{
		ProposalID: proposalID, ScopeID: "scope-1", Kind: review.KindAdvance,
		Proposal: payload, ActionPayload: payload,
	}))
}

func TestReviewServerApprove(t *testing.T) {
	srv, queue := newReviewRig(t)
	h := srv.Handler()
	parkAdvance(t, queue, "p-1")

	rec := doJSON(t, h, http.MethodPost, "/approve/p-1", testToken, map[string]string{"approved_by": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	p, err := queue.GetPending(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, review.StatusApproved, p.Status)

	// Unknown id is a client error.
	rec = doJSON(t, h, http.MethodPost, "/approve/ghost", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewServerReject(t *testing.T) {
	srv, queue := newReviewRig(t)
	h := srv.Handler()
	parkAdvance(t, queue, "p-2")

	rec := doJSON(t, h, http.MethodPost, "/reject/p-2", testToken, map[string]string{"reason": "stale"})
	require.Equal(t, http.StatusOK, rec.Code)

	p, err := queue.GetPending(context.Background(), "p-2")
	require.NoError(t, err)
	assert.Equal(t, review.StatusRejected, p.Status)
}

func TestReviewServerFinalityResponse(t *testing.T) {
	srv, queue := newReviewRig(t)
	h := srv.Handler()

	payload := json.RawMessage(`{"scope_id":"scope-1"}`)
	require.NoError(t, queue.AddPending(context.Background(), review.Pending{
		ProposalID: "p-3", ScopeID: "scope-1", Kind: review.KindFinalityReview,
		Proposal: payload, ActionPayload: payload,
	}))

	rec := doJSON(t, h, http.MethodPost, "/finality-response/p-3", testToken, map[string]any{
		"option": "defer", "days": 3,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	p, err := queue.GetPending(context.Background(), "p-3")
	require.NoError(t, err)
	assert.Equal(t, review.StatusResolved, p.Status)

	rec = doJSON(t, h, http.MethodPost, "/finality-response/p-3", testToken, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing option")
}

func TestReviewServerListPending(t *testing.T) {
	srv, queue := newReviewRig(t)
	h := srv.Handler()
	parkAdvance(t, queue, "p-4")

	rec := doJSON(t, h, http.MethodGet, "/pending", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Pending []review.Pending `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Pending, 1)
	assert.Equal(t, "p-4", resp.Pending[0].ProposalID)

	rec = doJSON(t, h, http.MethodGet, "/pending", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
