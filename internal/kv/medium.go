// Package kv provides durable key/value media for state that must outlive
// the running process, such as the telemetry retry queue.
package kv

import (
	"context"
	"sync"
)

// Medium is a string key/value store. GetItem reports ok=false for a
// missing key.
type Medium interface {
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Memory is a process-local Medium. It does not survive restarts and is
// meant for tests and ephemeral runs.
type Memory struct {
	mu    sync.Mutex
	items map[string]string
}

// NewMemory creates an empty in-memory medium.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func (m *Memory) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *Memory) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
