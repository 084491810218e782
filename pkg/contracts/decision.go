package contracts

import "time"

// DecisionResult is the outcome of a policy evaluation.
type DecisionResult string

const (
	DecisionAllow DecisionResult = "allow"
	DecisionDeny  DecisionResult = "deny"
)

// DecisionRecord is the audit record produced by every policy
// evaluation. It is persisted alongside the verdict so that any state
// advance can be traced back to the exact policy version that allowed it.
type DecisionRecord struct {
	DecisionID       string         `json:"decision_id"`
	Timestamp        time.Time      `json:"timestamp"`
	PolicyVersion    string         `json:"policy_version"`
	Result           DecisionResult `json:"result"`
	Reason           string         `json:"reason,omitempty"`
	Obligations      []string       `json:"obligations,omitempty"`
	SuggestedActions []string       `json:"suggested_actions,omitempty"`
	Binding          string         `json:"binding"`
}

// FinalityDecision enumerates terminal scope classifications plus the
// non-terminal ACTIVE and the near-finality REVIEW outcome.
type FinalityDecision string

const (
	FinalityResolved  FinalityDecision = "RESOLVED"
	FinalityEscalated FinalityDecision = "ESCALATED"
	FinalityBlocked   FinalityDecision = "BLOCKED"
	FinalityExpired   FinalityDecision = "EXPIRED"
	FinalityActive    FinalityDecision = "ACTIVE"
	FinalityReview    FinalityDecision = "REVIEW"
)

// Terminal reports whether the decision closes the scope.
func (d FinalityDecision) Terminal() bool {
	switch d {
	case FinalityResolved, FinalityEscalated, FinalityBlocked, FinalityExpired:
		return true
	default:
		return false
	}
}
