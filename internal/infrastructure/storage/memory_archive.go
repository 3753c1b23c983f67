package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrObjectNotFound is returned when no object is stored under a key
var ErrObjectNotFound = errors.New("archived object not found")

// MemoryArchive keeps compressed objects in process. It backs development
// setups without a bucket and tests.
type MemoryArchive struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryArchive creates an empty MemoryArchive
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{objects: make(map[string][]byte)}
}

// Put stores data under key
func (m *MemoryArchive) Put(_ context.Context, key string, data []byte, _ string) error {
	if key == "" {
		return errors.New("archive key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = compress(data)
	return nil
}

// Get returns the object stored under key
func (m *MemoryArchive) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	stored, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return decompress(stored)
}

// Exists reports whether an object is stored under key
func (m *MemoryArchive) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Keys lists stored keys in order
func (m *MemoryArchive) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
