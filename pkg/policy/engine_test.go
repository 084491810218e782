package policy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casegraph/swarm/pkg/contracts"
	"github.com/casegraph/swarm/pkg/store"
)

const testPolicy = `
mode: YOLO
rules:
  - when:
      drift_level: [medium, high]
      drift_type: contradiction
    action: request human resolution
  - when:
      drift_level: [high]
    action: halt ingestion
transition_rules:
  - from: DriftChecked
    to: ContextIngested
    block_when:
      drift_level: [high]
    reason: drift too high
  - from: FactsExtracted
    to: DriftChecked
    guard: 'drift_level == "medium" && "schema" in drift_types'
    reason: schema drift needs review
scopes:
  locked-down:
    mode: MASTER
`

func testDeclarative(t *testing.T) *Declarative {
	t.Helper()
	cfg, err := Parse([]byte(testPolicy))
	require.NoError(t, err)
	return NewDeclarative(Static(cfg))
}

func TestParseComputesVersionHash(t *testing.T) {
	a, err := Parse([]byte(testPolicy))
	require.NoError(t, err)
	b, err := Parse([]byte(testPolicy))
	require.NoError(t, err)
	assert.NotEmpty(t, a.Version)
	assert.Equal(t, a.Version, b.Version, "identical documents hash identically")

	c, err := Parse([]byte("mode: MITL\n"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Version, c.Version)
}

func TestModeForScope(t *testing.T) {
	d := testDeclarative(t)
	assert.Equal(t, contracts.ModeYOLO, d.ModeForScope("normal"))
	assert.Equal(t, contracts.ModeMaster, d.ModeForScope("locked-down"))
}

func TestCanTransitionDriftLevelBlock(t *testing.T) {
	d := testDeclarative(t)

	ok, reason := d.CanTransition("DriftChecked", "ContextIngested", Drift{Level: "high"}, "s1")
	assert.False(t, ok)
	assert.Equal(t, "drift too high", reason)

	ok, _ = d.CanTransition("DriftChecked", "ContextIngested", Drift{Level: "low"}, "s1")
	assert.True(t, ok)

	// Unrelated edges are not gated.
	ok, _ = d.CanTransition("ContextIngested", "FactsExtracted", Drift{Level: "high"}, "s1")
	assert.True(t, ok)
}

func TestCanTransitionCELGuard(t *testing.T) {
	d := testDeclarative(t)

	ok, reason := d.CanTransition("FactsExtracted", "DriftChecked",
		Drift{Level: "medium", Types: []string{"schema"}}, "s1")
	assert.False(t, ok)
	assert.Equal(t, "schema drift needs review", reason)

	ok, _ = d.CanTransition("FactsExtracted", "DriftChecked",
		Drift{Level: "medium", Types: []string{"semantic"}}, "s1")
	assert.True(t, ok)
}

func TestBrokenGuardFailsClosed(t *testing.T) {
	cfg, err := Parse([]byte(`
mode: YOLO
transition_rules:
  - from: A
    to: B
    guard: 'this is not CEL ((('
`))
	require.NoError(t, err)
	d := NewDeclarative(Static(cfg))

	ok, reason := d.CanTransition("A", "B", DriftNone, "s1")
	assert.False(t, ok)
	assert.Contains(t, reason, "guard error")
}

func TestSuggestedActions(t *testing.T) {
	d := testDeclarative(t)

	actions := d.SuggestedActions(Drift{Level: "high", Types: []string{"contradiction"}})
	assert.Equal(t, []string{"request human resolution", "halt ingestion"}, actions)

	actions = d.SuggestedActions(Drift{Level: "medium", Types: []string{"semantic"}})
	assert.Empty(t, actions, "drift_type filter must apply")

	assert.Empty(t, d.SuggestedActions(DriftNone))
}

func TestEngineRecordsAudit(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	audit, err := NewAuditStore(context.Background(), db)
	require.NoError(t, err)

	e := NewEngine(testDeclarative(t), audit)
	ctx := context.Background()

	rec, allowed := e.Evaluate(ctx, EvalContext{
		ScopeID: "s1", From: "DriftChecked", To: "ContextIngested",
		Drift: Drift{Level: "high"},
	})
	assert.False(t, allowed)
	assert.Equal(t, contracts.DecisionDeny, rec.Result)
	assert.NotEmpty(t, rec.PolicyVersion)

	rec, allowed = e.Evaluate(ctx, EvalContext{
		ScopeID: "s1", From: "ContextIngested", To: "FactsExtracted",
		Drift: DriftNone,
	})
	assert.True(t, allowed)
	assert.Equal(t, contracts.DecisionAllow, rec.Result)

	records, err := audit.ListForScope(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2, "every evaluation must land in the audit trail")
}

func TestParseRejectsBadMode(t *testing.T) {
	_, err := Parse([]byte("mode: ANARCHY\n"))
	assert.Error(t, err)
}
