// Package review holds the human-in-the-loop queue: proposals and
// finality reviews parked for an operator decision, plus the terminal
// verdicts operators hand back.
package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/casegraph/swarm/pkg/bus"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/store"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS mitl_pending (
		proposal_id    TEXT PRIMARY KEY,
		scope_id       TEXT NOT NULL,
		kind           TEXT NOT NULL,
		proposal       TEXT NOT NULL,
		action_payload TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		created_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mitl_pending_scope ON mitl_pending (scope_id, status)`,
	`CREATE TABLE IF NOT EXISTS scope_finality_decisions (
		scope_id   TEXT NOT NULL,
		decision   TEXT NOT NULL,
		source     TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scope_finality_decisions_scope
		ON scope_finality_decisions (scope_id, created_at)`,
}

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusResolved = "resolved"

	// KindAdvance queues a gated state transition; KindFinalityReview
	// queues a near-finality verdict for an operator.
	KindAdvance        = "advance_state"
	KindFinalityReview = "finality_review"
)

// Pending is one parked item awaiting a human decision.
type Pending struct {
	ProposalID    string          `json:"proposal_id"`
	ScopeID       string          `json:"scope_id"`
	Kind          string          `json:"kind"`
	Proposal      json.RawMessage `json:"proposal"`
	ActionPayload json.RawMessage `json:"action_payload"`
	Status        string          `json:"status"`
	CreatedAt     string          `json:"created_at"`
}

// Queue persists pending items and publishes the resulting actions.
type Queue struct {
	db  *sql.DB
	bus *bus.Bus
	log *slog.Logger
}

// NewQueue migrates the review tables.
func NewQueue(ctx context.Context, db *sql.DB, b *bus.Bus, log *slog.Logger) (*Queue, error) {
	if err := store.Migrate(ctx, db, migrations); err != nil {
		return nil, fmt.Errorf("review: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{db: db, bus: b, log: log.With("component", "review")}, nil
}

// AddPending parks an item. Re-adding the same proposal id refreshes
// the stored payloads so redelivered proposals stay idempotent.
func (q *Queue) AddPending(ctx context.Context, p Pending) error {
	if p.Status == "" {
		p.Status = StatusPending
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO mitl_pending (proposal_id, scope_id, kind, proposal, action_payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (proposal_id) DO UPDATE SET
			proposal = excluded.proposal,
			action_payload = excluded.action_payload`,
		p.ProposalID, p.ScopeID, p.Kind, string(p.Proposal), string(p.ActionPayload),
		p.Status, store.FormatTime(store.UTCNow()))
	if err != nil {
		return fmt.Errorf("review: add pending: %w", err)
	}
	return nil
}

// GetPending returns one pending item by proposal id, or nil.
func (q *Queue) GetPending(ctx context.Context, proposalID string) (*Pending, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT proposal_id, scope_id, kind, proposal, action_payload, status, created_at
		FROM mitl_pending WHERE proposal_id = ?`, proposalID)
	return scanPending(row)
}

// ListPending returns all items still awaiting a decision, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]Pending, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT proposal_id, scope_id, kind, proposal, action_payload, status, created_at
		FROM mitl_pending WHERE status = ? ORDER BY created_at`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("review: list pending: %w", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// HasPendingFinalityReview reports whether a finality review is
// already parked for the scope. At most one may be open at a time.
func (q *Queue) HasPendingFinalityReview(ctx context.Context, scopeID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mitl_pending
		WHERE scope_id = ? AND kind = ? AND status = ?`,
		scopeID, KindFinalityReview, StatusPending).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("review: count finality reviews: %w", err)
	}
	return n > 0, nil
}

// ApprovePending marks an advance item approved and publishes the
// approved action on behalf of the operator. Finality reviews cannot
// be approved through this path; they need a structured response.
func (q *Queue) ApprovePending(ctx context.Context, proposalID, approvedBy string) error {
	p, err := q.GetPending(ctx, proposalID)
	if err != nil {
		return err
	}
	if p == nil || p.Status != StatusPending {
		return fmt.Errorf("review: no pending item %q", proposalID)
	}
	if p.Kind == KindFinalityReview {
		return fmt.Errorf("review: item %q is a finality review, use a finality response", proposalID)
	}
	if approvedBy == "" {
		approvedBy = "human"
	}
	var advance contracts.AdvancePayload
	if err := json.Unmarshal(p.ActionPayload, &advance); err != nil {
		return fmt.Errorf("review: decode action payload: %w", err)
	}
	action := contracts.Action{
		ProposalID: p.ProposalID,
		ApprovedBy: approvedBy,
		Result:     contracts.ResultApproved,
		ActionType: contracts.ActionAdvanceState,
		Payload:    advance,
	}
	if _, err := q.bus.PublishJSON(ctx, contracts.SubjectActionAdvance, action); err != nil {
		return fmt.Errorf("review: publish approval: %w", err)
	}
	return q.setStatus(ctx, proposalID, StatusApproved)
}

// RejectPending marks an item rejected and publishes the rejection.
func (q *Queue) RejectPending(ctx context.Context, proposalID, reason string) error {
	p, err := q.GetPending(ctx, proposalID)
	if err != nil {
		return err
	}
	if p == nil || p.Status != StatusPending {
		return fmt.Errorf("review: no pending item %q", proposalID)
	}
	rej := contracts.Rejection{
		ProposalID: p.ProposalID,
		ScopeID:    p.ScopeID,
		Reason:     reason,
		RejectedBy: "human",
		RejectedAt: store.UTCNow(),
	}
	if _, err := q.bus.PublishJSON(ctx, contracts.RejectionSubject(contracts.ActionAdvanceState), rej); err != nil {
		return fmt.Errorf("review: publish rejection: %w", err)
	}
	return q.setStatus(ctx, proposalID, StatusRejected)
}

// ResolveFinalityPending records the operator's verdict on a parked
// finality review and hands it to the executor as a finality action.
func (q *Queue) ResolveFinalityPending(ctx context.Context, proposalID string, resp contracts.FinalityResponse) error {
	p, err := q.GetPending(ctx, proposalID)
	if err != nil {
		return err
	}
	if p == nil || p.Status != StatusPending {
		return fmt.Errorf("review: no pending item %q", proposalID)
	}
	if p.Kind != KindFinalityReview {
		return fmt.Errorf("review: item %q is not a finality review", proposalID)
	}
	resp.ScopeID = p.ScopeID
	action := contracts.Action{
		ProposalID: p.ProposalID,
		ApprovedBy: "human",
		Result:     contracts.ResultFinalityResponse,
		ActionType: contracts.ActionFinality,
		Finality:   &resp,
	}
	if _, err := q.bus.PublishJSON(ctx, contracts.SubjectActionFinality, action); err != nil {
		return fmt.Errorf("review: publish finality response: %w", err)
	}
	return q.setStatus(ctx, proposalID, StatusResolved)
}

// RecordDecision appends an operator or evaluator verdict to the
// per-scope decision trail consulted by the finality evaluator.
func (q *Queue) RecordDecision(ctx context.Context, scopeID, decision, source, detail string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO scope_finality_decisions (scope_id, decision, source, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		scopeID, decision, source, detail, store.FormatTime(store.UTCNow()))
	if err != nil {
		return fmt.Errorf("review: record decision: %w", err)
	}
	return nil
}

// LatestDecision returns the most recent recorded verdict for a scope,
// or empty strings when none exists.
func (q *Queue) LatestDecision(ctx context.Context, scopeID string) (decision, source, detail string, err error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT decision, source, detail FROM scope_finality_decisions
		WHERE scope_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, scopeID)
	if err := row.Scan(&decision, &source, &detail); err != nil {
		if err == sql.ErrNoRows {
			return "", "", "", nil
		}
		return "", "", "", fmt.Errorf("review: load latest decision: %w", err)
	}
	return decision, source, detail, nil
}

func (q *Queue) setStatus(ctx context.Context, proposalID, status string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE mitl_pending SET status = ? WHERE proposal_id = ?`, status, proposalID)
	if err != nil {
		return fmt.Errorf("review: update status: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (*Pending, error) {
	var p Pending
	var proposal, payload string
	if err := row.Scan(&p.ProposalID, &p.ScopeID, &p.Kind, &proposal, &payload, &p.Status, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("review: scan pending: %w", err)
	}
	p.Proposal = json.RawMessage(proposal)
	p.ActionPayload = json.RawMessage(payload)
	return &p, nil
}
