package finality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casegraph/swarm/pkg/semgraph"
)

const testFinalityYAML = `
goal_gradient:
  weights:
    confidence: 0.4
    contradictions: 0.3
    goals: 0.2
    risk: 0.1
  near_threshold: 0.7
  auto_threshold: 0.9
quiescence:
  min_idle_cycles: 2
finality:
  RESOLVED:
    mode: all
    conditions:
      - "contradictions_unresolved_count: == 0"
      - "goal_score: >= 0.9"
  ESCALATED:
    mode: any
    conditions:
      - "risks_critical_active_count: >= 3"
      - "scope_risk_score: > 0.8"
`

func TestParseConfig(t *testing.T) {
	cfg, err := Parse([]byte(testFinalityYAML))
	require.NoError(t, err)

	assert.Equal(t, 0.4, cfg.GoalGradient.Weights["confidence"])
	assert.Equal(t, 0.7, cfg.GoalGradient.NearThreshold)
	assert.Equal(t, 0.9, cfg.GoalGradient.AutoThreshold)
	assert.Equal(t, 2, cfg.Quiescence.MinIdleCycles)
	assert.Len(t, cfg.compiled["RESOLVED"], 2)
}

func TestParseRejectsBadWeightSum(t *testing.T) {
	_, err := Parse([]byte(`
goal_gradient:
  weights:
    confidence: 0.5
    contradictions: 0.5
    goals: 0.5
    risk: 0.5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights sum")
}

func TestParseRejectsNearAboveAuto(t *testing.T) {
	_, err := Parse([]byte(`
goal_gradient:
  near_threshold: 0.95
  auto_threshold: 0.92
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "near threshold")
}

func TestParseRejectsBadRuleMode(t *testing.T) {
	_, err := Parse([]byte(`
finality:
  RESOLVED:
    mode: sometimes
    conditions: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode must be all or any")
}

func TestParseRejectsBadConditions(t *testing.T) {
	cases := map[string]string{
		"unknown key":    `- "number_of_vibes: >= 1"`,
		"bad operator":   `- "goal_score: != 1"`,
		"missing colon":  `- "goal_score >= 1"`,
		"non-numeric":    `- "goal_score: >= high"`,
	}
	for name, cond := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte("finality:\n  RESOLVED:\n    mode: all\n    conditions:\n      " + cond + "\n"))
			assert.Error(t, err)
		})
	}
}

func TestRuleMatchesAllAndAny(t *testing.T) {
	cfg, err := Parse([]byte(testFinalityYAML))
	require.NoError(t, err)

	clean := semgraph.FinalitySnapshot{}
	assert.True(t, cfg.RuleMatches("RESOLVED", clean, 0.95))
	assert.False(t, cfg.RuleMatches("RESOLVED", clean, 0.85), "goal score below bound")
	assert.False(t, cfg.RuleMatches("RESOLVED",
		semgraph.FinalitySnapshot{ContradictionsUnresolvedCount: 1}, 0.95))

	// any-mode fires on a single matching condition.
	assert.True(t, cfg.RuleMatches("ESCALATED",
		semgraph.FinalitySnapshot{ScopeRiskScore: 0.9}, 0.5))
	assert.True(t, cfg.RuleMatches("ESCALATED",
		semgraph.FinalitySnapshot{RisksCriticalActiveCount: 3}, 0.5))
	assert.False(t, cfg.RuleMatches("ESCALATED", clean, 0.5))

	// Statuses without a declared rule never match.
	assert.False(t, cfg.RuleMatches("BLOCKED", clean, 0.0))
}

func TestDefaultConfigCompiles(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.RuleMatches("RESOLVED", semgraph.FinalitySnapshot{}, 1))
	assert.False(t, cfg.RuleMatches("RESOLVED",
		semgraph.FinalitySnapshot{RisksCriticalActiveCount: 1}, 1))
	assert.Equal(t, 0.92, cfg.GoalGradient.AutoThreshold)
}

func TestConditionString(t *testing.T) {
	cond, err := parseCondition("goals_completion_ratio: >= 0.8")
	require.NoError(t, err)
	assert.Equal(t, "goals_completion_ratio: >= 0.8", cond.String())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/finality.yaml")
	assert.Error(t, err)
}
