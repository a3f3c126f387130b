package state

import (
	"context"
	"sync"
)

// MemoryBackend keeps snapshots in process memory. Counters stored here do
// not survive a restart and are not shared between instances.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

func (m *MemoryBackend) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *MemoryBackend) Save(_ context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	m.values[key] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}
