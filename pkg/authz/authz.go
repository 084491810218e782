// Package authz answers the single capability question the runtime
// asks before any state mutation: may agent A act as writer on node N
// within scope S. The check is relationship-based (Zanzibar tuples);
// every failure mode resolves to deny.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Decision is the result of a capability check. Reason is set on deny.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Checker is the authorization interface the agent loops and the
// governor depend on.
type Checker interface {
	// Check verifies (principal, relation, object). Errors from the
	// backing store must be treated as deny by callers; Check itself
	// already returns a denied Decision alongside the error.
	Check(ctx context.Context, principal, relation, object string) (Decision, error)
}

// ObjectForNode encodes a pipeline node within a scope as an authz
// object: "scope:<scope>/node:<node>".
func ObjectForNode(scopeID, node string) string {
	return fmt.Sprintf("scope:%s/node:%s", scopeID, node)
}

// RelationTuple is a directed edge in the relationship graph:
// (agent:facts) -[writer]-> (scope:s1/node:FactsExtracted).
type RelationTuple struct {
	Object   string `json:"object"`
	Relation string `json:"relation"`
	Subject  string `json:"subject"`
}

// Engine is the in-process relationship store. Group subjects
// ("group:<name>") expand recursively through their member tuples.
type Engine struct {
	mu     sync.RWMutex
	graph  map[string]struct{}
	tuples []RelationTuple
}

// NewEngine returns an empty relationship engine.
func NewEngine() *Engine {
	return &Engine{graph: make(map[string]struct{})}
}

// WriteTuple adds a relationship. Idempotent.
func (e *Engine) WriteTuple(_ context.Context, t RelationTuple) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := tupleKey(t)
	if _, ok := e.graph[key]; ok {
		return nil
	}
	e.graph[key] = struct{}{}
	e.tuples = append(e.tuples, t)
	return nil
}

// GrantWriter is the common grant: principal may write the given node
// in every scope ("*") or one scope.
func (e *Engine) GrantWriter(ctx context.Context, principal, scopeID, node string) error {
	return e.WriteTuple(ctx, RelationTuple{
		Object:   ObjectForNode(scopeID, node),
		Relation: "writer",
		Subject:  principal,
	})
}

// Check verifies the relationship directly or through group expansion.
func (e *Engine) Check(_ context.Context, principal, relation, object string) (Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.check(object, relation, principal, make(map[string]bool)) {
		return Decision{Allowed: true}, nil
	}
	// Wildcard-scope grants: scope:*/node:N covers every scope.
	if star := wildcardScope(object); star != "" && e.check(star, relation, principal, make(map[string]bool)) {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, Reason: fmt.Sprintf("no %s relation for %s on %s", relation, principal, object)}, nil
}

func (e *Engine) check(object, relation, subject string, visited map[string]bool) bool {
	if _, ok := e.graph[tupleKey(RelationTuple{Object: object, Relation: relation, Subject: subject})]; ok {
		return true
	}
	visitKey := object + "#" + relation
	if visited[visitKey] {
		return false
	}
	visited[visitKey] = true
	for _, t := range e.tuples {
		if t.Object != object || t.Relation != relation {
			continue
		}
		if strings.HasPrefix(t.Subject, "group:") {
			if e.check(t.Subject, "member", subject, visited) {
				return true
			}
		}
	}
	return false
}

func wildcardScope(object string) string {
	// scope:<id>/node:<n> -> scope:*/node:<n>
	i := strings.Index(object, "/node:")
	if !strings.HasPrefix(object, "scope:") || i < 0 {
		return ""
	}
	return "scope:*" + object[i:]
}

func tupleKey(t RelationTuple) string {
	return t.Object + "#" + t.Relation + "@" + t.Subject
}

// Remote calls an external Zanzibar-style authorizer over HTTP.
// Transport or decode failures deny: the runtime never grants write
// capability on a failed check.
type Remote struct {
	url    string
	client *http.Client
}

// NewRemote builds a remote checker against POST <url>/check.
func NewRemote(url string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Remote{url: strings.TrimRight(url, "/"), client: &http.Client{Timeout: timeout}}
}

type remoteCheckRequest struct {
	Principal string `json:"principal"`
	Relation  string `json:"relation"`
	Object    string `json:"object"`
}

// Check posts the tuple to the authorizer. Deny-by-default on error.
func (r *Remote) Check(ctx context.Context, principal, relation, object string) (Decision, error) {
	body, err := json.Marshal(remoteCheckRequest{Principal: principal, Relation: relation, Object: object})
	if err != nil {
		return Decision{Reason: "authorizer request encode failed"}, fmt.Errorf("authz: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/check", bytes.NewReader(body))
	if err != nil {
		return Decision{Reason: "authorizer request build failed"}, fmt.Errorf("authz: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return Decision{Reason: "authorizer unreachable"}, fmt.Errorf("authz: call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Decision{Reason: fmt.Sprintf("authorizer returned %d", resp.StatusCode)},
			fmt.Errorf("authz: status %d", resp.StatusCode)
	}
	var d Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Decision{Reason: "authorizer response decode failed"}, fmt.Errorf("authz: decode: %w", err)
	}
	return d, nil
}
