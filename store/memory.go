package store

import (
	"context"
	"sync"
)

type inMemory struct {
	mu      sync.RWMutex
	storage map[string]string
}

// NewMemoryCache returns a process-local ResponseCache.
func NewMemoryCache() ResponseCache {
	return &inMemory{}
}

func (m *inMemory) Get(_ context.Context, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.storage == nil {
		return "", false
	}
	val, ok := m.storage[key]
	return val, ok
}

func (m *inMemory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage == nil {
		// create on first use
		m.storage = make(map[string]string)
	}
	m.storage[key] = value
	return nil
}

func (m *inMemory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage = nil
	return nil
}
