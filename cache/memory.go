package cache

import (
	"strings"
	"sync"
	"time"
)

// MemCache is an in-memory Provider. Primarily useful for tests and
// throwaway runs; nothing survives a restart.
type MemCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemCache() *MemCache {
	return &MemCache{entries: map[string]Entry{}}
}

func (m *MemCache) Get(key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemCache) Put(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

func (m *MemCache) Purge(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemCache) AllKeys(prefix string, cb func(string)) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	for _, k := range keys {
		cb(k)
	}
	return nil
}

func (m *MemCache) Count(prefix string) (int, error) {
	count := 0
	err := m.AllKeys(prefix, func(string) { count++ })
	return count, err
}

func (m *MemCache) Oldest(prefix string) (string, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldestKey string
	var oldestAt time.Time
	for k, e := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if oldestKey == "" || e.StoredAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.StoredAt
		}
	}
	if oldestKey == "" {
		return "", time.Time{}, ErrNotFound
	}
	return oldestKey, oldestAt, nil
}

func (m *MemCache) Close() error {
	return nil
}
