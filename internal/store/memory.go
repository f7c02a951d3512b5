package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps artifacts for the lifetime of the process.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string]Artifact), now: time.Now}
}

func (m *MemoryStore) put(key, runID string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[key] = Artifact{Key: key, RunID: runID, Value: append([]byte(nil), value...), UpdatedAt: m.now().UTC()}
}

// SaveResult records result as both the latest and the run's own result.
func (m *MemoryStore) SaveResult(_ context.Context, runID, result string) error {
	value, err := resultValue(result)
	if err != nil {
		return err
	}
	m.put(KeyLastResult, runID, value)
	m.put(RunResultKey(runID), runID, value)
	return nil
}

// SaveExchange records the latest raw request or response body.
func (m *MemoryStore) SaveExchange(_ context.Context, runID, kind string, body []byte) error {
	key, err := exchangeKey(kind)
	if err != nil {
		return err
	}
	value, err := exchangeValue(body)
	if err != nil {
		return err
	}
	m.put(key, runID, value)
	return nil
}

// Get returns the artifact stored under key.
func (m *MemoryStore) Get(_ context.Context, key string) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[key]
	if !ok {
		return Artifact{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) Close() {}
