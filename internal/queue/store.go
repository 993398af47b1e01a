package queue

import (
	"errors"
	"sort"
	"sync"
)

var ErrQuotaExceeded = errors.New("queue store quota exceeded")

// Store persists encoded units keyed by id
type Store interface {
	Put(id string, data []byte) error
	Delete(id string) error
	// ForEach visits units in id order
	ForEach(fn func(id string, data []byte) error) error
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu    sync.RWMutex
	units map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{units: make(map[string][]byte)}
}

func (m *MemoryStore) Put(id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[id] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.units, id)
	return nil
}

func (m *MemoryStore) ForEach(fn func(id string, data []byte) error) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.units))
	for id := range m.units {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		m.mu.RLock()
		data, ok := m.units[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(id, data); err != nil {
			return err
		}
	}
	return nil
}
