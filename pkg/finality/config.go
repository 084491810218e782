// Package finality computes the scalar goal score over a scope's
// knowledge graph, classifies the scope against declarative rules and
// gates, and drives terminal decisions (certificate, review requests).
package finality

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/casegraph/swarm/pkg/convergence"
	"github.com/casegraph/swarm/pkg/semgraph"
)

// GoalGradient configures the weighted goal score and its thresholds.
type GoalGradient struct {
	Weights       map[string]float64 `yaml:"weights"`
	NearThreshold float64            `yaml:"near_threshold"`
	AutoThreshold float64            `yaml:"auto_threshold"`
}

// Quiescence gates RESOLVED on the scope having gone quiet. Zero
// values disable the gate.
type Quiescence struct {
	MinIdleCycles int   `yaml:"min_idle_cycles"`
	WindowMs      int64 `yaml:"window_ms"`
}

// Rule classifies a scope into one status when its conditions match.
type Rule struct {
	Mode       string   `yaml:"mode"` // all | any
	Conditions []string `yaml:"conditions"`
}

// Config is the parsed finality file.
type Config struct {
	GoalGradient GoalGradient       `yaml:"goal_gradient"`
	Convergence  convergence.Config `yaml:"convergence"`
	Quiescence   Quiescence         `yaml:"quiescence"`
	Finality     map[string]Rule    `yaml:"finality"`

	compiled map[string][]condition
}

// DefaultConfig mirrors the shipped finality file.
func DefaultConfig() Config {
	cfg := Config{
		GoalGradient: GoalGradient{
			Weights:       map[string]float64(convergence.DefaultWeights()),
			NearThreshold: 0.72,
			AutoThreshold: 0.92,
		},
		Convergence: convergence.DefaultConfig(),
		Quiescence:  Quiescence{MinIdleCycles: 0, WindowMs: 0},
		Finality: map[string]Rule{
			"RESOLVED": {Mode: "all", Conditions: []string{
				"contradictions_unresolved_count: == 0",
				"risks_critical_active_count: == 0",
			}},
			"ESCALATED": {Mode: "any", Conditions: []string{
				"risks_critical_active_count: >= 3",
			}},
		},
	}
	if err := cfg.compile(); err != nil {
		panic(err) // defaults are static and must parse
	}
	return cfg
}

// Parse decodes, validates, and compiles a finality file.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("finality: parse config: %w", err)
	}
	if len(cfg.GoalGradient.Weights) == 0 {
		cfg.GoalGradient.Weights = map[string]float64(convergence.DefaultWeights())
	}
	var sum float64
	for _, w := range cfg.GoalGradient.Weights {
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		return cfg, fmt.Errorf("finality: goal gradient weights sum to %.3f, want 1", sum)
	}
	if cfg.GoalGradient.AutoThreshold == 0 {
		cfg.GoalGradient.AutoThreshold = 0.92
	}
	if cfg.GoalGradient.NearThreshold > cfg.GoalGradient.AutoThreshold {
		return cfg, fmt.Errorf("finality: near threshold %.2f above auto threshold %.2f",
			cfg.GoalGradient.NearThreshold, cfg.GoalGradient.AutoThreshold)
	}
	for status, rule := range cfg.Finality {
		if rule.Mode != "all" && rule.Mode != "any" {
			return cfg, fmt.Errorf("finality: rule %s: mode must be all or any, got %q", status, rule.Mode)
		}
	}
	if err := cfg.compile(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load reads and parses a finality file from disk.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("finality: read config: %w", err)
	}
	return Parse(data)
}

func (c *Config) compile() error {
	c.compiled = make(map[string][]condition, len(c.Finality))
	for status, rule := range c.Finality {
		conds := make([]condition, 0, len(rule.Conditions))
		for _, raw := range rule.Conditions {
			cond, err := parseCondition(raw)
			if err != nil {
				return fmt.Errorf("finality: rule %s: %w", status, err)
			}
			conds = append(conds, cond)
		}
		c.compiled[status] = conds
	}
	return nil
}

// RuleMatches evaluates one status rule against a snapshot plus the
// computed goal score. Statuses without a rule never match.
func (c *Config) RuleMatches(status string, snap semgraph.FinalitySnapshot, goalScore float64) bool {
	conds, ok := c.compiled[status]
	if !ok || len(conds) == 0 {
		return false
	}
	mode := c.Finality[status].Mode
	for _, cond := range conds {
		matched := cond.eval(snap, goalScore)
		if mode == "any" && matched {
			return true
		}
		if mode != "any" && !matched {
			return false
		}
	}
	return mode != "any"
}

// condition is one parsed `key: op value` expression.
type condition struct {
	key   string
	op    string
	value float64
}

// snapshotField maps the fixed condition vocabulary onto snapshot
// fields. Unknown keys are a config error, not a silent false.
func snapshotField(key string, snap semgraph.FinalitySnapshot, goalScore float64) (float64, bool) {
	switch key {
	case "claims_active_min_confidence":
		return snap.ClaimsActiveMinConfidence, true
	case "claims_active_count":
		return float64(snap.ClaimsActiveCount), true
	case "claims_active_avg_confidence":
		return snap.ClaimsActiveAvgConfidence, true
	case "contradictions_unresolved_count":
		return float64(snap.ContradictionsUnresolvedCount), true
	case "contradictions_total_count":
		return float64(snap.ContradictionsTotalCount), true
	case "risks_critical_active_count":
		return float64(snap.RisksCriticalActiveCount), true
	case "goals_completion_ratio":
		return snap.GoalsCompletionRatio, true
	case "scope_risk_score":
		return snap.ScopeRiskScore, true
	case "scope_idle_cycles":
		return float64(snap.ScopeIdleCycles), true
	case "scope_last_delta_age_ms":
		return float64(snap.ScopeLastDeltaAgeMs), true
	case "goal_score":
		return goalScore, true
	}
	return 0, false
}

var validOps = map[string]bool{">=": true, "<=": true, ">": true, "<": true, "==": true}

func parseCondition(raw string) (condition, error) {
	key, rest, found := strings.Cut(raw, ":")
	if !found {
		return condition{}, fmt.Errorf("condition %q: want `key: op value`", raw)
	}
	key = strings.TrimSpace(key)
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return condition{}, fmt.Errorf("condition %q: want `key: op value`", raw)
	}
	op := fields[0]
	if !validOps[op] {
		return condition{}, fmt.Errorf("condition %q: unsupported operator %q", raw, op)
	}
	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return condition{}, fmt.Errorf("condition %q: %w", raw, err)
	}
	if _, ok := snapshotField(key, semgraph.FinalitySnapshot{}, 0); !ok {
		return condition{}, fmt.Errorf("condition %q: unknown key %q", raw, key)
	}
	return condition{key: key, op: op, value: value}, nil
}

func (c condition) eval(snap semgraph.FinalitySnapshot, goalScore float64) bool {
	actual, ok := snapshotField(c.key, snap, goalScore)
	if !ok {
		return false
	}
	switch c.op {
	case ">=":
		return actual >= c.value
	case "<=":
		return actual <= c.value
	case ">":
		return actual > c.value
	case "<":
		return actual < c.value
	case "==":
		return actual == c.value
	}
	return false
}

// String renders a condition back to its source form, used when
// reporting blockers to reviewers.
func (c condition) String() string {
	return fmt.Sprintf("%s: %s %g", c.key, c.op, c.value)
}
