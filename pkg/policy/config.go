// Package policy evaluates governance rules against proposed state
// advances: transition gates, suggested remediations, per-scope mode
// overrides, and an audit record for every decision. The evaluator is
// pluggable; the default declarative binding can be replaced by a WASM
// binding without changing callers.
package policy

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"

	"github.com/casegraph/swarm/pkg/contracts"
)

// Drift is the classified discrepancy the gates match against.
type Drift struct {
	Level string   `json:"level" yaml:"level"`
	Types []string `json:"types,omitempty" yaml:"types,omitempty"`
	Notes string   `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// DriftNone is the zero drift used when no drift record exists yet.
var DriftNone = Drift{Level: "none"}

// RuleWhen matches drift conditions for a suggested-action rule.
type RuleWhen struct {
	DriftLevel []string `yaml:"drift_level"`
	DriftType  string   `yaml:"drift_type,omitempty"`
}

// Rule maps a drift condition to a suggested remediation action.
type Rule struct {
	When   RuleWhen `yaml:"when"`
	Action string   `yaml:"action"`
}

// TransitionBlock names the drift conditions that block a transition.
type TransitionBlock struct {
	DriftLevel []string `yaml:"drift_level"`
}

// TransitionRule gates one edge of the state graph. An optional CEL
// guard refines the block condition; it blocks when it evaluates true.
type TransitionRule struct {
	From      string          `yaml:"from"`
	To        string          `yaml:"to"`
	BlockWhen TransitionBlock `yaml:"block_when"`
	Guard     string          `yaml:"guard,omitempty"`
	Reason    string          `yaml:"reason"`
}

// ScopeOverride overrides top-level settings for one scope.
type ScopeOverride struct {
	Mode contracts.GovernanceMode `yaml:"mode"`
}

// Config is the declarative governance policy file.
type Config struct {
	Mode            contracts.GovernanceMode `yaml:"mode"`
	Rules           []Rule                   `yaml:"rules"`
	TransitionRules []TransitionRule         `yaml:"transition_rules"`
	Scopes          map[string]ScopeOverride `yaml:"scopes,omitempty"`

	// Version is the canonical content hash, computed at load.
	Version string `yaml:"-"`
}

// ModeForScope resolves the effective mode for a scope.
func (c *Config) ModeForScope(scopeID string) contracts.GovernanceMode {
	if o, ok := c.Scopes[scopeID]; ok && o.Mode != "" {
		return o.Mode
	}
	if c.Mode == "" {
		return contracts.ModeYOLO
	}
	return c.Mode
}

// Parse decodes and versions a policy document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	switch cfg.Mode {
	case "", contracts.ModeYOLO, contracts.ModeMITL, contracts.ModeMaster:
	default:
		return nil, fmt.Errorf("policy: unknown mode %q", cfg.Mode)
	}
	v, err := versionHash(&cfg)
	if err != nil {
		return nil, err
	}
	cfg.Version = v
	return &cfg, nil
}

// versionHash derives policy_version from the canonical JSON form of
// the config so equal policies hash equally everywhere.
func versionHash(cfg *Config) (string, error) {
	raw, err := jsonMarshal(cfg)
	if err != nil {
		return "", fmt.Errorf("policy: version hash: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("policy: version hash: %w", err)
	}
	return sha256Hex(canonical), nil
}

// Loader loads a policy file and hot-reloads it when the file changes
// (mtime checked at most once per second).
type Loader struct {
	mu        sync.RWMutex
	path      string
	cfg       *Config
	mtime     time.Time
	lastCheck time.Time
}

// NewLoader reads the file once; a missing or invalid file is a fatal
// startup error.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Static wraps an already-parsed config (tests, embedded defaults).
func Static(cfg *Config) *Loader {
	return &Loader{cfg: cfg}
}

// Current returns the live config, reloading if the file changed.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	path, last := l.path, l.lastCheck
	l.mu.RUnlock()
	if path != "" && time.Since(last) >= time.Second {
		if err := l.reload(); err != nil {
			// Keep serving the previous valid config.
			_ = err
		}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Loader) reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastCheck = time.Now()
	if l.path == "" {
		return nil
	}
	fi, err := os.Stat(l.path)
	if err != nil {
		return fmt.Errorf("policy: stat %s: %w", l.path, err)
	}
	if l.cfg != nil && fi.ModTime().Equal(l.mtime) {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", l.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	l.cfg = cfg
	l.mtime = fi.ModTime()
	return nil
}
