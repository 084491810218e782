package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/store"
)

func jsonMarshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// EvalContext is everything a binding may inspect for one decision.
type EvalContext struct {
	ScopeID string `json:"scope_id"`
	Agent   string `json:"agent,omitempty"`
	From    string `json:"from"`
	To      string `json:"to"`
	Drift   Drift  `json:"drift"`
}

// Binding is a pluggable policy evaluator. Implementations must be
// deny-by-default: any internal failure yields a deny record.
type Binding interface {
	Name() string
	Evaluate(ctx context.Context, ec EvalContext) (contracts.DecisionRecord, bool, error)
}

// Declarative is the default Binding: the YAML rule set evaluated
// in-process. Transition gates block when any drift-level condition
// matches or the rule's CEL guard fires.
type Declarative struct {
	loader *Loader
	guards *guardCache
}

// NewDeclarative builds the default binding over a config loader.
func NewDeclarative(loader *Loader) *Declarative {
	return &Declarative{loader: loader, guards: newGuardCache()}
}

// Name implements Binding.
func (d *Declarative) Name() string { return "declarative" }

// CanTransition evaluates the transition gates for one edge. Returns
// deny with the first matching rule's reason.
func (d *Declarative) CanTransition(from, to string, drift Drift, scopeID string) (bool, string) {
	cfg := d.loader.Current()
	for _, tr := range cfg.TransitionRules {
		if tr.From != from || tr.To != to {
			continue
		}
		if slices.Contains(tr.BlockWhen.DriftLevel, drift.Level) {
			return false, blockReason(tr)
		}
		if tr.Guard != "" {
			fired, err := d.guards.eval(tr.Guard, guardInput{
				Scope: scopeID, From: from, To: to,
				DriftLevel: drift.Level, DriftTypes: drift.Types,
			})
			if err != nil {
				// A broken guard fails closed.
				return false, fmt.Sprintf("guard error: %v", err)
			}
			if fired {
				return false, blockReason(tr)
			}
		}
	}
	return true, ""
}

func blockReason(tr TransitionRule) string {
	if tr.Reason != "" {
		return tr.Reason
	}
	return fmt.Sprintf("transition %s -> %s blocked by policy", tr.From, tr.To)
}

// SuggestedActions returns the union of actions whose rules match the
// drift, preserving rule order.
func (d *Declarative) SuggestedActions(drift Drift) []string {
	cfg := d.loader.Current()
	var out []string
	seen := make(map[string]struct{})
	for _, r := range cfg.Rules {
		if !slices.Contains(r.When.DriftLevel, drift.Level) {
			continue
		}
		if r.When.DriftType != "" && !slices.Contains(drift.Types, r.When.DriftType) {
			continue
		}
		if _, dup := seen[r.Action]; dup {
			continue
		}
		seen[r.Action] = struct{}{}
		out = append(out, r.Action)
	}
	return out
}

// ModeForScope resolves the governance mode for a scope.
func (d *Declarative) ModeForScope(scopeID string) contracts.GovernanceMode {
	return d.loader.Current().ModeForScope(scopeID)
}

// Version returns the live policy version hash.
func (d *Declarative) Version() string {
	return d.loader.Current().Version
}

// Evaluate implements Binding.
func (d *Declarative) Evaluate(_ context.Context, ec EvalContext) (contracts.DecisionRecord, bool, error) {
	allowed, reason := d.CanTransition(ec.From, ec.To, ec.Drift, ec.ScopeID)
	rec := contracts.DecisionRecord{
		DecisionID:       uuid.NewString(),
		Timestamp:        store.UTCNow(),
		PolicyVersion:    d.Version(),
		Result:           contracts.DecisionAllow,
		SuggestedActions: d.SuggestedActions(ec.Drift),
		Binding:          d.Name(),
	}
	if !allowed {
		rec.Result = contracts.DecisionDeny
		rec.Reason = reason
	}
	return rec, allowed, nil
}

// Engine fronts a Binding and records every decision in the audit
// store. Callers depend on Engine, never on a concrete binding.
type Engine struct {
	binding Binding
	audit   *AuditStore
}

// NewEngine wires a binding with an optional audit store.
func NewEngine(binding Binding, audit *AuditStore) *Engine {
	return &Engine{binding: binding, audit: audit}
}

// Evaluate runs the binding and persists the audit record. Binding
// failure is a deny, never an allow.
func (e *Engine) Evaluate(ctx context.Context, ec EvalContext) (contracts.DecisionRecord, bool) {
	rec, allowed, err := e.binding.Evaluate(ctx, ec)
	if err != nil {
		rec = contracts.DecisionRecord{
			DecisionID:    uuid.NewString(),
			Timestamp:     store.UTCNow(),
			PolicyVersion: rec.PolicyVersion,
			Result:        contracts.DecisionDeny,
			Reason:        fmt.Sprintf("policy binding error: %v", err),
			Binding:       e.binding.Name(),
		}
		allowed = false
	}
	if e.audit != nil {
		_ = e.audit.Record(ctx, ec.ScopeID, rec)
	}
	return rec, allowed
}
