// Package contracts defines the wire-level vocabulary shared by every
// swarm process: the event envelope, proposals, actions, decision
// records, and the bus subject space. All inter-service JSON contracts
// live here so that producers and consumers cannot drift apart.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the closed set of swarm event types.
type EventType string

const (
	EventContextDoc              EventType = "context_doc"
	EventResolution              EventType = "resolution"
	EventStateTransition         EventType = "state_transition"
	EventFactsExtracted          EventType = "facts_extracted"
	EventDriftAnalyzed           EventType = "drift_analyzed"
	EventActionsPlanned          EventType = "actions_planned"
	EventProposalApproved        EventType = "proposal_approved"
	EventProposalRejected        EventType = "proposal_rejected"
	EventProposalPendingApproval EventType = "proposal_pending_approval"
	EventSessionFinalized        EventType = "session_finalized"
	EventBootstrap               EventType = "bootstrap"
	EventStatusSummarized        EventType = "status_summarized"
)

// knownEventTypes is the decode allowlist. Unknown types still decode
// into an UnknownPayload so newer producers do not break older consumers.
var knownEventTypes = map[EventType]func() EventPayload{
	EventContextDoc:              func() EventPayload { return &ContextDocPayload{} },
	EventResolution:              func() EventPayload { return &ResolutionPayload{} },
	EventStateTransition:         func() EventPayload { return &StateTransitionPayload{} },
	EventFactsExtracted:          func() EventPayload { return &FactsExtractedPayload{} },
	EventDriftAnalyzed:           func() EventPayload { return &DriftAnalyzedPayload{} },
	EventActionsPlanned:          func() EventPayload { return &ActionsPlannedPayload{} },
	EventProposalApproved:        func() EventPayload { return &ProposalDecidedPayload{} },
	EventProposalRejected:        func() EventPayload { return &ProposalDecidedPayload{} },
	EventProposalPendingApproval: func() EventPayload { return &ProposalDecidedPayload{} },
	EventSessionFinalized:        func() EventPayload { return &SessionFinalizedPayload{} },
	EventBootstrap:               func() EventPayload { return &BootstrapPayload{} },
	EventStatusSummarized:        func() EventPayload { return &StatusSummarizedPayload{} },
}

// EventPayload is implemented by every typed payload variant.
type EventPayload interface {
	eventPayload()
}

// ContextDocPayload carries a new context document for a scope.
type ContextDocPayload struct {
	ScopeID string `json:"scope_id"`
	DocID   string `json:"doc_id"`
	Title   string `json:"title,omitempty"`
	Body    string `json:"body"`
	Origin  string `json:"origin,omitempty"`
}

// ResolutionPayload carries a human-authored resolution statement.
type ResolutionPayload struct {
	ScopeID string `json:"scope_id"`
	Text    string `json:"text"`
	Author  string `json:"author,omitempty"`
}

// StateTransitionPayload records a completed state advance.
type StateTransitionPayload struct {
	ScopeID string `json:"scope_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Epoch   int64  `json:"epoch"`
	RunID   string `json:"run_id"`
}

// FactsExtractedPayload records the output of a facts extraction round.
type FactsExtractedPayload struct {
	ScopeID   string   `json:"scope_id"`
	FactsHash string   `json:"facts_hash"`
	Wrote     []string `json:"wrote"`
	Seq       int64    `json:"seq"`
}

// DriftAnalyzedPayload records the output of a drift classification round.
type DriftAnalyzedPayload struct {
	ScopeID    string   `json:"scope_id"`
	DriftLevel string   `json:"drift_level"`
	DriftTypes []string `json:"drift_types,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	DriftHash  string   `json:"drift_hash"`
}

// ActionsPlannedPayload carries a ranked remediation plan.
type ActionsPlannedPayload struct {
	ScopeID string          `json:"scope_id"`
	Actions []PlannedAction `json:"actions"`
}

// PlannedAction is a single ranked remediation suggestion.
type PlannedAction struct {
	Rank   int    `json:"rank"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// ProposalDecidedPayload is shared by approved/rejected/pending events.
type ProposalDecidedPayload struct {
	ScopeID    string `json:"scope_id"`
	ProposalID string `json:"proposal_id"`
	Agent      string `json:"agent,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// SessionFinalizedPayload records a terminal finality decision.
type SessionFinalizedPayload struct {
	ScopeID     string  `json:"scope_id"`
	Decision    string  `json:"decision"`
	GoalScore   float64 `json:"goal_score"`
	Certificate string  `json:"certificate,omitempty"`
}

// BootstrapPayload announces scope creation.
type BootstrapPayload struct {
	ScopeID string `json:"scope_id"`
	RunID   string `json:"run_id"`
}

// StatusSummarizedPayload carries a human-readable scope summary.
type StatusSummarizedPayload struct {
	ScopeID string `json:"scope_id"`
	Summary string `json:"summary"`
}

// UnknownPayload preserves payloads of event types this build does not
// know about. Forward-compatibility: consumers skip, never fail.
type UnknownPayload struct {
	Raw json.RawMessage
}

func (*ContextDocPayload) eventPayload()       {}
func (*ResolutionPayload) eventPayload()       {}
func (*StateTransitionPayload) eventPayload()  {}
func (*FactsExtractedPayload) eventPayload()   {}
func (*DriftAnalyzedPayload) eventPayload()    {}
func (*ActionsPlannedPayload) eventPayload()   {}
func (*ProposalDecidedPayload) eventPayload()  {}
func (*SessionFinalizedPayload) eventPayload() {}
func (*BootstrapPayload) eventPayload()        {}
func (*StatusSummarizedPayload) eventPayload() {}
func (*UnknownPayload) eventPayload()          {}

// SwarmEvent is the typed envelope carried on swarm.events.* subjects.
// Times are UTC with millisecond precision.
type SwarmEvent struct {
	Type    EventType
	TS      time.Time
	Source  string
	Payload EventPayload
}

// NewEvent builds an envelope stamped at now (UTC, ms precision).
func NewEvent(t EventType, source string, payload EventPayload) SwarmEvent {
	return SwarmEvent{
		Type:    t,
		TS:      time.Now().UTC().Truncate(time.Millisecond),
		Source:  source,
		Payload: payload,
	}
}

type eventWire struct {
	Type    EventType       `json:"type"`
	TS      string          `json:"ts"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

const tsLayout = "2006-01-02T15:04:05.000Z"

// MarshalJSON serializes the envelope with an ISO-8601 UTC timestamp.
func (e SwarmEvent) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	var err error
	switch p := e.Payload.(type) {
	case *UnknownPayload:
		raw = p.Raw
	case nil:
		raw = json.RawMessage("null")
	default:
		raw, err = json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
	}
	return json.Marshal(eventWire{
		Type:    e.Type,
		TS:      e.TS.UTC().Format(tsLayout),
		Source:  e.Source,
		Payload: raw,
	})
}

// UnmarshalJSON decodes the envelope, falling back to UnknownPayload for
// event types outside the known set.
func (e *SwarmEvent) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode event envelope: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.TS)
	if err != nil {
		return fmt.Errorf("decode event ts %q: %w", w.TS, err)
	}
	e.Type = w.Type
	e.TS = ts.UTC()
	e.Source = w.Source

	mk, ok := knownEventTypes[w.Type]
	if !ok {
		e.Payload = &UnknownPayload{Raw: w.Payload}
		return nil
	}
	p := mk()
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
	}
	e.Payload = p
	return nil
}

// ScopeID extracts the scope from any known payload variant, or "".
func (e SwarmEvent) ScopeID() string {
	switch p := e.Payload.(type) {
	case *ContextDocPayload:
		return p.ScopeID
	case *ResolutionPayload:
		return p.ScopeID
	case *StateTransitionPayload:
		return p.ScopeID
	case *FactsExtractedPayload:
		return p.ScopeID
	case *DriftAnalyzedPayload:
		return p.ScopeID
	case *ActionsPlannedPayload:
		return p.ScopeID
	case *ProposalDecidedPayload:
		return p.ScopeID
	case *SessionFinalizedPayload:
		return p.ScopeID
	case *BootstrapPayload:
		return p.ScopeID
	case *StatusSummarizedPayload:
		return p.ScopeID
	default:
		return ""
	}
}
