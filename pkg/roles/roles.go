// Package roles defines the agent role registry and the role runners:
// the pure-ish workers that turn stored context into facts, drift
// classifications, plans, and summaries.
package roles

import (
	"context"
	"errors"

	"github.com/casegraph/swarm/pkg/activation"
	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/semgraph"
	"github.com/casegraph/swarm/pkg/stategraph"
)

// Role names double as consumer and principal identifiers.
const (
	RoleFacts   = "facts"
	RoleDrift   = "drift"
	RolePlanner = "planner"
	RoleStatus  = "status"
)

// Output is what a runner hands back to the loop.
type Output struct {
	// Payload becomes the role's result event.
	Payload contracts.EventPayload
	// Hash is the content hash stored back into role memory for dedup.
	Hash string
	// Facts, when set, is synced into the semantic graph by the loop.
	Facts *semgraph.FactSet
}

// Runner executes one activation for a role.
type Runner interface {
	Run(ctx context.Context, scopeID string, actx activation.Context) (*Output, error)
}

// Role describes one registered agent role.
type Role struct {
	Name            string
	JobType         contracts.JobType
	ResultEventType contracts.EventType
	// ProposesAdvance emits an advance proposal after a successful run.
	ProposesAdvance bool
	// Filter is the role's default activation predicate, seeded into
	// the filter-config table on startup and overridable there.
	Filter activation.FilterConfig
	// HashField selects which memory hash the dedup gate compares.
	HashField activation.HashField
}

// Registry lists the built-in roles in pipeline order.
func Registry() []Role {
	return []Role{
		{
			Name:            RoleFacts,
			JobType:         contracts.JobExtractFacts,
			ResultEventType: contracts.EventFactsExtracted,
			ProposesAdvance: true,
			HashField:       activation.FieldHash,
			Filter: activation.FilterConfig{
				Role:       RoleFacts,
				CooldownMs: 5000,
				MinNewSeq:  1,
				AnchorNode: stategraph.NodeContextIngested,
			},
		},
		{
			Name:            RoleDrift,
			JobType:         contracts.JobCheckDrift,
			ResultEventType: contracts.EventDriftAnalyzed,
			ProposesAdvance: true,
			HashField:       activation.FieldDriftHash,
			Filter: activation.FilterConfig{
				Role:       RoleDrift,
				CooldownMs: 5000,
				MinNewSeq:  1,
				AnchorNode: stategraph.NodeFactsExtracted,
			},
		},
		{
			Name:            RolePlanner,
			JobType:         contracts.JobPlanActions,
			ResultEventType: contracts.EventActionsPlanned,
			ProposesAdvance: true,
			HashField:       activation.FieldHash,
			Filter: activation.FilterConfig{
				Role:       RolePlanner,
				CooldownMs: 10000,
				MinNewSeq:  1,
				AnchorNode: stategraph.NodeDriftChecked,
			},
		},
		{
			Name:            RoleStatus,
			JobType:         contracts.JobSummarizeStatus,
			ResultEventType: contracts.EventStatusSummarized,
			ProposesAdvance: false,
			HashField:       activation.FieldHash,
			Filter: activation.FilterConfig{
				Role:       RoleStatus,
				CooldownMs: 30000,
				MinNewSeq:  1,
			},
		},
	}
}

// transientError marks failures worth a redelivery (network, timeout,
// open breaker) as opposed to deterministic ones.
type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient wraps err so the loop naks instead of acking the failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (anywhere in its chain) was marked
// transient or is a context timeout.
func IsTransient(err error) bool {
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
