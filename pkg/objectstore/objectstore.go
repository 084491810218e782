// Package objectstore stores opaque JSON blobs (facts and drift
// snapshots) under keyed prefixes. The production backend is S3; an
// in-memory backend serves tests and single-node demos.
//
// Layout per scope:
//
//	<scope>/facts/latest.json
//	<scope>/facts/history/<iso-timestamp>.json
//	<scope>/drift/latest.json
//	<scope>/drift/history/<iso-timestamp>.json
//
// latest.json is last-writer-wins; history keys are write-once.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when the key has never been written.
var ErrNotFound = errors.New("objectstore: not found")

// Store is the blob interface role runners depend on.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// LatestKey builds the latest-snapshot key for a scope and kind
// ("facts" or "drift").
func LatestKey(scopeID, kind string) string {
	return fmt.Sprintf("%s/%s/latest.json", scopeID, kind)
}

// HistoryKey builds a write-once history key stamped with the given
// time (ISO-8601 UTC).
func HistoryKey(scopeID, kind string, t time.Time) string {
	return fmt.Sprintf("%s/%s/history/%s.json", scopeID, kind, t.UTC().Format("2006-01-02T15:04:05.000Z"))
}

// Memory is an in-process Store for tests and demo mode.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[key] = cp
	return nil
}

// Get returns the blob stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
