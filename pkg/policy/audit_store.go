package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/store"
)

var auditMigrations = []string{
	`CREATE TABLE IF NOT EXISTS decision_records (
		decision_id       TEXT PRIMARY KEY,
		scope_id          TEXT NOT NULL,
		ts                TEXT NOT NULL,
		policy_version    TEXT NOT NULL,
		result            TEXT NOT NULL,
		reason            TEXT NOT NULL DEFAULT '',
		obligations       TEXT NOT NULL DEFAULT '[]',
		suggested_actions TEXT NOT NULL DEFAULT '[]',
		binding           TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decision_records_scope ON decision_records(scope_id, ts)`,
}

// AuditStore persists every policy decision for later review.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore migrates the decision_records table.
func NewAuditStore(ctx context.Context, db *sql.DB) (*AuditStore, error) {
	if err := store.Migrate(ctx, db, auditMigrations); err != nil {
		return nil, err
	}
	return &AuditStore{db: db}, nil
}

// Record inserts one decision. Best-effort from the engine's point of
// view, but the error is still surfaced for logging.
func (a *AuditStore) Record(ctx context.Context, scopeID string, rec contracts.DecisionRecord) error {
	obligations, err := json.Marshal(rec.Obligations)
	if err != nil {
		return fmt.Errorf("policy: encode obligations: %w", err)
	}
	suggested, err := json.Marshal(rec.SuggestedActions)
	if err != nil {
		return fmt.Errorf("policy: encode suggested actions: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO decision_records
			(decision_id, scope_id, ts, policy_version, result, reason, obligations, suggested_actions, binding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_id) DO NOTHING`,
		rec.DecisionID, scopeID, store.FormatTime(rec.Timestamp), rec.PolicyVersion,
		string(rec.Result), rec.Reason, string(obligations), string(suggested), rec.Binding)
	if err != nil {
		return fmt.Errorf("policy: record decision: %w", err)
	}
	return nil
}

// ListForScope returns the newest n decisions for a scope.
func (a *AuditStore) ListForScope(ctx context.Context, scopeID string, n int) ([]contracts.DecisionRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT decision_id, ts, policy_version, result, reason, obligations, suggested_actions, binding
		FROM decision_records WHERE scope_id = ?
		ORDER BY ts DESC LIMIT ?`, scopeID, n)
	if err != nil {
		return nil, fmt.Errorf("policy: list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.DecisionRecord
	for rows.Next() {
		var rec contracts.DecisionRecord
		var ts, result, obligations, suggested string
		if err := rows.Scan(&rec.DecisionID, &ts, &rec.PolicyVersion, &result, &rec.Reason, &obligations, &suggested, &rec.Binding); err != nil {
			return nil, fmt.Errorf("policy: scan decision: %w", err)
		}
		if rec.Timestamp, err = store.ParseTime(ts); err != nil {
			return nil, err
		}
		rec.Result = contracts.DecisionResult(result)
		if err := json.Unmarshal([]byte(obligations), &rec.Obligations); err != nil {
			return nil, fmt.Errorf("policy: decode obligations: %w", err)
		}
		if err := json.Unmarshal([]byte(suggested), &rec.SuggestedActions); err != nil {
			return nil, fmt.Errorf("policy: decode suggested actions: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
