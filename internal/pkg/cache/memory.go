package cache

import (
	"context"
	"sync"
	"time"
)

var _ Cache = (*MemoryCache)(nil)

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with per-entry TTL. Expired entries are
// hidden on read and removed by Purge.
type MemoryCache struct {
	serviceName string
	now         func() time.Time

	mu    sync.RWMutex
	items map[string]memoryItem
}

// NewMemoryCache creates an empty cache. now may be nil.
func NewMemoryCache(serviceName string, now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		serviceName: serviceName,
		now:         now,
		items:       make(map[string]memoryItem),
	}
}

func (m *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	s, err := encode(key, value)
	if err != nil {
		return err
	}

	item := memoryItem{value: s}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || m.expired(item) {
		return "", nil
	}
	return item.value, nil
}

func (m *MemoryCache) GenerateKey(operation, key string) string {
	return generateKey(m.serviceName, operation, key)
}

// Purge removes expired entries and returns how many were dropped.
func (m *MemoryCache) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, item := range m.items {
		if m.expired(item) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Len counts stored entries, expired or not.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *MemoryCache) expired(item memoryItem) bool {
	return !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt)
}
