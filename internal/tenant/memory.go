package tenant

import (
	"context"
	"sync"
)

// MemoryStore is a Store that keeps runtime installs in process memory.
// The directory falls back to it when no database is configured, so
// onboarded tenants and issued keys survive Reload until the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants []Tenant
	keys    []Key
	slugs   map[string]struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slugs: make(map[string]struct{})}
}

func (m *MemoryStore) Entries(context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.tenants)+1)
	for _, t := range m.tenants {
		out = append(out, Entry{Tenant: t})
	}
	if len(m.keys) > 0 {
		out = append(out, Entry{Keys: append([]Key(nil), m.keys...)})
	}
	return out, nil
}

func (m *MemoryStore) CreateTenant(_ context.Context, t Tenant, keys []Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.slugs[t.Slug]; ok {
		return ErrSlugTaken
	}
	m.slugs[t.Slug] = struct{}{}
	m.tenants = append(m.tenants, t)
	m.keys = append(m.keys, keys...)
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, k Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys = append(m.keys, k)
	return nil
}
