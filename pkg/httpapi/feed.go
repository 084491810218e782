package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/casegraph/swarm/pkg/bus"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/convergence"
	"github.com/casegraph/swarm/pkg/finality"
	"github.com/casegraph/swarm/pkg/policy"
	"github.com/casegraph/swarm/pkg/review"
	"github.com/casegraph/swarm/pkg/semgraph"
	"github.com/casegraph/swarm/pkg/stategraph"
	"github.com/casegraph/swarm/pkg/wal"
)

// Feed is the public-facing API: context ingestion plus read-outs.
type Feed struct {
	bus    *bus.Bus
	wal    *wal.Log
	states *stategraph.Store
	graph  *semgraph.Graph
	queue  *review.Queue
	conv   *convergence.Store
	fcfg   finality.Config
	audit  *policy.AuditStore
	auth   AuthConfig
	log    *slog.Logger

	// Embedder is optional. When set, resolution texts are embedded and
	// matched against claim vectors so a resolution can close
	// contradictions the substring heuristic misses.
	Embedder Embedder
}

// Embedder turns a text into the graph's fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, prompt string) ([]float32, error)
}

// resolutionSimilarity is the cosine floor for embedding-based
// resolution matching. Precision over recall.
const resolutionSimilarity = 0.95

// NewFeed wires the feed server.
func NewFeed(b *bus.Bus, walLog *wal.Log, states *stategraph.Store,
	graph *semgraph.Graph, queue *review.Queue, conv *convergence.Store,
	fcfg finality.Config, audit *policy.AuditStore, auth AuthConfig,
	log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		bus: b, wal: walLog, states: states, graph: graph, queue: queue,
		conv: conv, fcfg: fcfg, audit: audit, auth: auth,
		log: log.With("component", "feed"),
	}
}

// Handler builds the route table. /health and the read-only feed
// surfaces (/events, /summary) are open; every mutating or queue
// endpoint sits behind bearer auth, and the whole mux behind the rate
// limiter.
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", f.health)
	mux.HandleFunc("GET /events", f.events)
	mux.HandleFunc("GET /summary", f.summary)
	mux.HandleFunc("POST /context/docs", f.auth.RequireAuth(f.postDoc))
	mux.HandleFunc("POST /context/resolution", f.auth.RequireAuth(f.postResolution))
	mux.HandleFunc("GET /pending", f.auth.RequireAuth(f.pending))
	mux.HandleFunc("POST /finality-response", f.auth.RequireAuth(f.finalityResponse))
	mux.HandleFunc("GET /convergence", f.auth.RequireAuth(f.convergence))
	mux.HandleFunc("GET /decisions", f.auth.RequireAuth(f.decisions))
	return NewRateLimiter(20, 40).Middleware(mux)
}

func (f *Feed) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// events streams envelopes as server-sent events until the client
// disconnects.
func (f *Feed) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	err := f.bus.SubscribeEphemeral(r.Context(), contracts.StreamSwarm, contracts.SubjectEventsAll, func(msg *bus.Msg) error {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", msg.Data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		f.log.Warn("event stream ended", "error", err)
	}
}

type scopeSummary struct {
	ScopeID  string                    `json:"scope_id"`
	RunID    string                    `json:"run_id"`
	Node     string                    `json:"node"`
	Epoch    int64                     `json:"epoch"`
	Snapshot semgraph.FinalitySnapshot `json:"snapshot"`
}

func (f *Feed) summary(w http.ResponseWriter, r *http.Request) {
	scopes, err := f.states.ListScopes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]scopeSummary, 0, len(scopes))
	for _, st := range scopes {
		snap, err := f.graph.Snapshot(r.Context(), st.ScopeID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, scopeSummary{
			ScopeID: st.ScopeID, RunID: st.RunID, Node: st.LastNode,
			Epoch: st.Epoch, Snapshot: snap,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": out})
}

func (f *Feed) postDoc(w http.ResponseWriter, r *http.Request) {
	var doc contracts.ContextDocPayload
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(doc.ScopeID) == "" || strings.TrimSpace(doc.Body) == "" {
		writeError(w, http.StatusBadRequest, "scope_id and body are required")
		return
	}
	if doc.DocID == "" {
		doc.DocID = uuid.NewString()
	}
	if err := f.ensureScope(r.Context(), doc.ScopeID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	seq, err := f.ingest(r.Context(), contracts.NewEvent(contracts.EventContextDoc, "feed", &doc))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"seq": seq, "doc_id": doc.DocID})
}

func (f *Feed) postResolution(w http.ResponseWriter, r *http.Request) {
	var res contracts.ResolutionPayload
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(res.ScopeID) == "" || strings.TrimSpace(res.Text) == "" {
		writeError(w, http.StatusBadRequest, "scope_id and text are required")
		return
	}
	if res.Author == "" {
		res.Author = "user"
	}
	if err := f.ensureScope(r.Context(), res.ScopeID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	goalID, err := f.graph.AppendResolution(r.Context(), res.ScopeID, res.Text, res.Author)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	f.resolveBySimilarity(r.Context(), res.ScopeID, goalID, res.Author, res.Text)
	seq, err := f.ingest(r.Context(), contracts.NewEvent(contracts.EventResolution, "feed", &res))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"seq": seq, "goal_id": goalID})
}

// resolveBySimilarity is best-effort: embedding outages never fail the
// resolution request.
func (f *Feed) resolveBySimilarity(ctx context.Context, scopeID, goalID, author, text string) {
	if f.Embedder == nil {
		return
	}
	vec, err := f.Embedder.Embed(ctx, text)
	if err != nil || len(vec) != semgraph.EmbeddingDim {
		return
	}
	n, err := f.graph.ResolveByEmbedding(ctx, scopeID, goalID, author, vec, resolutionSimilarity)
	if err != nil {
		f.log.Warn("embedding resolution failed", "scope_id", scopeID, "error", err)
		return
	}
	if n > 0 {
		f.log.Info("resolved contradictions by similarity", "scope_id", scopeID, "count", n)
	}
}

func (f *Feed) pending(w http.ResponseWriter, r *http.Request) {
	items, err := f.queue.ListPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": items})
}

func (f *Feed) finalityResponse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProposalID string                   `json:"proposal_id"`
		Option     contracts.FinalityOption `json:"option"`
		Days       int                      `json:"days,omitempty"`
		Resolution string                   `json:"resolution,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ProposalID == "" || body.Option == "" {
		writeError(w, http.StatusBadRequest, "proposal_id and option are required")
		return
	}
	err := f.queue.ResolveFinalityPending(r.Context(), body.ProposalID, contracts.FinalityResponse{
		Option:     body.Option,
		DeferDays:  body.Days,
		Resolution: body.Resolution,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (f *Feed) convergence(w http.ResponseWriter, r *http.Request) {
	scopeID := r.URL.Query().Get("scope")
	if scopeID == "" {
		writeError(w, http.StatusBadRequest, "scope query parameter is required")
		return
	}
	history, err := f.conv.LoadConvergenceHistory(r.Context(), scopeID, f.fcfg.Convergence.HistoryDepth)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	analysis := convergence.Analyze(history, f.fcfg.Convergence)
	out := map[string]any{"scope_id": scopeID, "analysis": analysis}
	if len(history) > 0 {
		out["latest"] = history[len(history)-1]
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *Feed) decisions(w http.ResponseWriter, r *http.Request) {
	scopeID := r.URL.Query().Get("scope")
	if scopeID == "" {
		writeError(w, http.StatusBadRequest, "scope query parameter is required")
		return
	}
	records, err := f.audit.ListForScope(r.Context(), scopeID, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope_id": scopeID, "decisions": records})
}

// ensureScope bootstraps the state row and announces the scope on
// first contact. Idempotent.
func (f *Feed) ensureScope(ctx context.Context, scopeID string) error {
	_, err := f.states.LoadState(ctx, scopeID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, stategraph.ErrNotFound) {
		return err
	}
	runID := uuid.NewString()
	if err := f.states.InitState(ctx, scopeID, runID, stategraph.NodeContextIngested); err != nil {
		return err
	}
	_, err = f.ingest(ctx, contracts.NewEvent(contracts.EventBootstrap, "feed", &contracts.BootstrapPayload{
		ScopeID: scopeID, RunID: runID,
	}))
	if err != nil {
		return err
	}
	f.log.Info("scope bootstrapped", "scope_id", scopeID, "run_id", runID)
	return nil
}

// ingest appends to the WAL then publishes; the WAL is the source of
// truth, the bus a best-effort fanout retried by its own backoff.
func (f *Feed) ingest(ctx context.Context, ev contracts.SwarmEvent) (int64, error) {
	seq, err := f.wal.AppendEvent(ctx, ev)
	if err != nil {
		return 0, err
	}
	if _, err := f.bus.PublishEvent(ctx, ev); err != nil {
		return 0, err
	}
	return seq, nil
}
