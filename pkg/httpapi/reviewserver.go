package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/review"
)

// ReviewServer exposes the operator surface for the human-review
// queue. Everything except /health requires bearer auth.
type ReviewServer struct {
	queue *review.Queue
	auth  AuthConfig
	log   *slog.Logger
}

// NewReviewServer wires the review server.
func NewReviewServer(queue *review.Queue, auth AuthConfig, log *slog.Logger) *ReviewServer {
	if log == nil {
		log = slog.Default()
	}
	return &ReviewServer{queue: queue, auth: auth, log: log.With("component", "review-server")}
}

// Handler builds the route table.
func (s *ReviewServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /pending", s.auth.RequireAuth(s.pending))
	mux.HandleFunc("POST /approve/{id}", s.auth.RequireAuth(s.approve))
	mux.HandleFunc("POST /reject/{id}", s.auth.RequireAuth(s.reject))
	mux.HandleFunc("POST /finality-response/{id}", s.auth.RequireAuth(s.finalityResponse))
	return NewRateLimiter(10, 20).Middleware(mux)
}

func (s *ReviewServer) pending(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.ListPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": items})
}

func (s *ReviewServer) approve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		ApprovedBy string `json:"approved_by,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.queue.ApprovePending(r.Context(), id, body.ApprovedBy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("pending approved", "proposal_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *ReviewServer) reject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "rejected by operator"
	}
	if err := s.queue.RejectPending(r.Context(), id, body.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("pending rejected", "proposal_id", id, "reason", body.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *ReviewServer) finalityResponse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Option     contracts.FinalityOption `json:"option"`
		Days       int                      `json:"days,omitempty"`
		Resolution string                   `json:"resolution,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Option == "" {
		writeError(w, http.StatusBadRequest, "option is required")
		return
	}
	err := s.queue.ResolveFinalityPending(r.Context(), id, contracts.FinalityResponse{
		Option:     body.Option,
		DeferDays:  body.Days,
		Resolution: body.Resolution,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("finality response recorded", "proposal_id", id, "option", body.Option)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
