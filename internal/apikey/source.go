package apikey

import (
	"context"
	"sync"

	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
	"github.com/Curve-Labs/egregore-site-sub000/internal/encryption"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
)

// ConfigSource is a tenant.Source that reads the configured tenants again on
// every Reload, so edits to TENANTS_FILE are picked up without a restart.
type ConfigSource struct {
	hasher encryption.Hasher
	load   func() ([]config.TenantOptions, error)

	mu     sync.Mutex
	hashed map[string]tenant.Key
}

// NewConfigSource returns a source backed by load, or by config.LoadTenants
// when load is nil.
func NewConfigSource(hasher encryption.Hasher, load func() ([]config.TenantOptions, error)) *ConfigSource {
	if load == nil {
		load = config.LoadTenants
	}
	return &ConfigSource{hasher: hasher, load: load, hashed: make(map[string]tenant.Key)}
}

// Entries loads the tenants and converts them. A configured key that has not
// changed since the previous load keeps its ID and hash.
func (s *ConfigSource) Entries(context.Context) ([]tenant.Entry, error) {
	opts, err := s.load()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]tenant.Key, len(opts))
	entries, err := EntriesFromOptions(opts, cachingHasher{Hasher: s.hasher, prev: s.hashed})
	if err != nil {
		return nil, err
	}
	for i, o := range opts {
		if o.APIKey == "" {
			continue
		}
		if k, ok := s.hashed[o.APIKey]; ok {
			entries[i].Keys[0] = k
		}
		next[o.APIKey] = entries[i].Keys[0]
	}
	s.hashed = next
	return entries, nil
}

// cachingHasher skips re-hashing keys that were already hashed on the
// previous load.
type cachingHasher struct {
	encryption.Hasher
	prev map[string]tenant.Key
}

func (h cachingHasher) HashKey(key string) (string, error) {
	if k, ok := h.prev[key]; ok {
		return k.Hash, nil
	}
	return h.Hasher.HashKey(key)
}
