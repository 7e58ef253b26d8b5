package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and as the default when
// no durable store is configured. Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
	logs map[string][][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string][]byte),
		logs: make(map[string][][]byte),
	}
}

// Get returns the value for key, or found=false when absent.
func (m *MemoryStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.data[namespace]
	if !ok {
		return nil, false, nil
	}
	value, ok := ns[key]
	if !ok {
		return nil, false, nil
	}
	// Copy to avoid external mutations
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, true, nil
}

// Put stores value under key.
func (m *MemoryStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	ns[key] = copied
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (m *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ns, ok := m.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

// List returns all keys with the given prefix, sorted.
func (m *MemoryStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.data[namespace] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// AppendLog appends an entry to the named append-only log.
func (m *MemoryStore) AppendLog(ctx context.Context, namespace string, entry []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]byte, len(entry))
	copy(copied, entry)
	m.logs[namespace] = append(m.logs[namespace], copied)
	return nil
}

// ReadLog returns all entries of the named log in append order.
func (m *MemoryStore) ReadLog(ctx context.Context, namespace string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.logs[namespace]
	result := make([][]byte, len(entries))
	for i, entry := range entries {
		copied := make([]byte, len(entry))
		copy(copied, entry)
		result[i] = copied
	}
	return result, nil
}
