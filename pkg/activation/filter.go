// Package activation decides whether a newly observed event warrants
// running an agent role. The filter is pure: cooldown, fresh-input,
// content-hash dedup, and anchor-node gates evaluated against the
// role's persisted memory.
package activation

import (
	"time"
)

// RejectReason classifies why an activation was declined.
type RejectReason string

const (
	RejectNone       RejectReason = ""
	RejectCooldown   RejectReason = "cooldown"
	RejectNoNewInput RejectReason = "no_new_input"
	RejectDuplicate  RejectReason = "duplicate_content"
	RejectWrongNode  RejectReason = "anchor_node_mismatch"
)

// FilterConfig is a role's declarative activation predicate.
type FilterConfig struct {
	Role       string   `json:"role"`
	CooldownMs int64    `json:"cooldown_ms"`
	MinNewSeq  int64    `json:"min_new_seq_since_last"`
	HashKeys   []string `json:"hash_keys,omitempty"`
	AnchorNode string   `json:"anchor_node,omitempty"`
}

// Memory is a role's per-scope activation memory. Mutated only by the
// owning role's loop.
type Memory struct {
	Role             string    `json:"role"`
	ScopeID          string    `json:"scope_id"`
	LastActivatedAt  time.Time `json:"last_activated_at"`
	LastProcessedSeq int64     `json:"last_processed_seq"`
	LastHash         string    `json:"last_hash"`
	LastDriftHash    string    `json:"last_drift_hash"`
}

// HashField selects which memory hash the dedup gate compares against.
type HashField string

const (
	FieldHash      HashField = "hash"
	FieldDriftHash HashField = "drift_hash"
)

// Input is everything the filter inspects.
type Input struct {
	Now         time.Time
	LatestSeq   int64
	CurrentHash string
	Field       HashField
	StateNode   string
}

// Context is handed to the role runner on a successful activation.
type Context struct {
	LatestSeq   int64
	CurrentHash string
	Field       HashField
}

// Decision is the filter outcome. A cooldown rejection carries RetryIn
// so the caller naks with a delay instead of ack-dropping.
type Decision struct {
	Activate bool
	Reason   RejectReason
	RetryIn  time.Duration
	Ctx      *Context
}

// Evaluate runs the four gates in order: cooldown, fresh-input,
// content-hash dedup, anchor node.
func Evaluate(cfg FilterConfig, mem Memory, in Input) Decision {
	if cfg.CooldownMs > 0 && !mem.LastActivatedAt.IsZero() {
		elapsed := in.Now.Sub(mem.LastActivatedAt)
		cooldown := time.Duration(cfg.CooldownMs) * time.Millisecond
		if elapsed < cooldown {
			return Decision{Reason: RejectCooldown, RetryIn: cooldown - elapsed}
		}
	}
	minNew := cfg.MinNewSeq
	if minNew <= 0 {
		minNew = 1
	}
	if in.LatestSeq-mem.LastProcessedSeq < minNew {
		return Decision{Reason: RejectNoNewInput}
	}
	if in.CurrentHash != "" {
		prev := mem.LastHash
		if in.Field == FieldDriftHash {
			prev = mem.LastDriftHash
		}
		if prev == in.CurrentHash {
			return Decision{Reason: RejectDuplicate}
		}
	}
	if cfg.AnchorNode != "" && cfg.AnchorNode != in.StateNode {
		return Decision{Reason: RejectWrongNode}
	}
	return Decision{
		Activate: true,
		Ctx:      &Context{LatestSeq: in.LatestSeq, CurrentHash: in.CurrentHash, Field: in.Field},
	}
}
