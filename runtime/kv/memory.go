package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore keeps values in process memory. Expired entries are dropped
// lazily on access.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string]memoryEntry
	now    func() time.Time
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]memoryEntry),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, namespace, key string, dst any) (bool, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return false, ErrClosed
	}
	entry, ok := m.data[namespace][key]
	m.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if entry.expired(m.now()) {
		m.mu.Lock()
		if current, ok := m.data[namespace][key]; ok && current.expired(m.now()) {
			delete(m.data[namespace], key)
		}
		m.mu.Unlock()
		return false, nil
	}
	return true, decode(entry.data, dst)
}

func (m *MemoryStore) Expiry(_ context.Context, namespace, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	entry, ok := m.data[namespace][key]
	if !ok || entry.expired(m.now()) {
		return time.Time{}, false, nil
	}
	return entry.expiresAt, true, nil
}

func (m *MemoryStore) Set(_ context.Context, namespace, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string]memoryEntry)
		m.data[namespace] = ns
	}
	ns[key] = memoryEntry{data: data, expiresAt: expiry(m.now(), ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data[namespace], key)
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, namespace string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	now := m.now()
	keys := make([]string, 0, len(m.data[namespace]))
	for key, entry := range m.data[namespace] {
		if !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}
