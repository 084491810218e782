package contracts

import "time"

// GovernanceMode controls how positive policy decisions are executed.
type GovernanceMode string

const (
	// ModeYOLO auto-approves proposals that pass every gate.
	ModeYOLO GovernanceMode = "YOLO"
	// ModeMITL queues every positive decision for human approval.
	ModeMITL GovernanceMode = "MITL"
	// ModeMaster approves deterministically; LLM rationale is forbidden.
	ModeMaster GovernanceMode = "MASTER"
)

// Action types a proposal may ask the governor to allow.
const (
	ActionAdvanceState = "advance_state"
	ActionFinality     = "finality"
)

// AdvancePayload is the payload of an advance_state proposal. The
// expected epoch is the CAS discriminator: a stale proposal is rejected
// with state_epoch_mismatch, never retried.
type AdvancePayload struct {
	ScopeID       string `json:"scope_id"`
	ExpectedEpoch int64  `json:"expected_epoch"`
	RunID         string `json:"run_id"`
	From          string `json:"from"`
	To            string `json:"to"`
}

// Proposal is published by agent loops on swarm.proposals.<jobType>.
type Proposal struct {
	ProposalID     string         `json:"proposal_id"`
	Agent          string         `json:"agent"`
	ProposedAction string         `json:"proposed_action"`
	TargetNode     string         `json:"target_node"`
	Payload        AdvancePayload `json:"payload"`
	Mode           GovernanceMode `json:"mode"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ActionResult enumerates governor verdicts carried on an Action.
type ActionResult string

const (
	ResultApproved         ActionResult = "approved"
	ResultRejected         ActionResult = "rejected"
	ResultFinalityResponse ActionResult = "finality_response"
)

// FinalityOption enumerates the structured choices a human can return
// for a near-finality review.
type FinalityOption string

const (
	OptionApproveFinality   FinalityOption = "approve_finality"
	OptionProvideResolution FinalityOption = "provide_resolution"
	OptionEscalate          FinalityOption = "escalate"
	OptionDefer             FinalityOption = "defer"
)

// FinalityResponse is the payload of a finality Action.
type FinalityResponse struct {
	ScopeID    string         `json:"scope_id"`
	Option     FinalityOption `json:"option"`
	DeferDays  int            `json:"days,omitempty"`
	Resolution string         `json:"resolution,omitempty"`
}

// Action is published on swarm.actions.* after a governance verdict.
type Action struct {
	ProposalID string            `json:"proposal_id"`
	ApprovedBy string            `json:"approved_by"`
	Result     ActionResult      `json:"result"`
	Reason     string            `json:"reason,omitempty"`
	ActionType string            `json:"action_type"`
	Payload    AdvancePayload    `json:"payload"`
	Finality   *FinalityResponse `json:"finality,omitempty"`
}

// Rejection is published on swarm.rejections.<action>.
type Rejection struct {
	ProposalID string    `json:"proposal_id"`
	ScopeID    string    `json:"scope_id"`
	Reason     string    `json:"reason"`
	RejectedBy string    `json:"rejected_by"`
	RejectedAt time.Time `json:"rejected_at"`
}
