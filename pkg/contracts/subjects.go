package contracts

import "fmt"

// Subject space for the swarm bus. Subjects are hierarchical; consumers
// bind wildcards at the segment level (e.g. "swarm.events.>").
const (
	StreamSwarm = "SWARM"

	SubjectJobsPrefix      = "swarm.jobs."
	SubjectEventsPrefix    = "swarm.events."
	SubjectProposalsPrefix = "swarm.proposals."
	SubjectActionsPrefix   = "swarm.actions."
	SubjectRejectsPrefix   = "swarm.rejections."
	SubjectPendingPrefix   = "swarm.pending_approval."

	SubjectEventsAll    = "swarm.events.>"
	SubjectProposalsAll = "swarm.proposals.>"
	SubjectActionsAll   = "swarm.actions.>"

	SubjectActionAdvance  = "swarm.actions.advance_state"
	SubjectActionFinality = "swarm.actions.finality"
)

// JobType enumerates the job pings published on swarm.jobs.*.
type JobType string

const (
	JobExtractFacts    JobType = "extract_facts"
	JobCheckDrift      JobType = "check_drift"
	JobPlanActions     JobType = "plan_actions"
	JobSummarizeStatus JobType = "summarize_status"
)

// JobSubject returns the publish subject for a job type.
func JobSubject(j JobType) string {
	return SubjectJobsPrefix + string(j)
}

// EventSubject returns the publish subject for an event type.
func EventSubject(t EventType) string {
	return SubjectEventsPrefix + string(t)
}

// ProposalSubject returns the subject a role publishes proposals on.
func ProposalSubject(j JobType) string {
	return SubjectProposalsPrefix + string(j)
}

// RejectionSubject returns the subject rejections of an action are
// published on.
func RejectionSubject(action string) string {
	return SubjectRejectsPrefix + action
}

// PendingSubject returns the per-proposal pending-approval subject.
func PendingSubject(proposalID string) string {
	return fmt.Sprintf("%s%s", SubjectPendingPrefix, proposalID)
}

// JobPing is the payload published on swarm.jobs.* to wake a role.
type JobPing struct {
	ScopeID string  `json:"scope_id"`
	Job     JobType `json:"job"`
	RunID   string  `json:"run_id,omitempty"`
}
