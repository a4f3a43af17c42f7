package storage

import (
	"context"
	"sync"

	"mixdeck/internal/core"
)

// Memory is a process-local Storage, used when no database path is configured and in tests.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
	// failWrites makes Set and Remove fail with core.ErrPersistence.
	failWrites bool
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return core.ErrPersistence
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return core.ErrPersistence
	}
	delete(m.values, key)
	return nil
}

// SetFailWrites toggles write failures.
func (m *Memory) SetFailWrites(fail bool) {
	m.mu.Lock()
	m.failWrites = fail
	m.mu.Unlock()
}
