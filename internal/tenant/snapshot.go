package tenant

import (
	"sort"
	"time"
)

// Snapshot is an immutable view of the directory. Readers hold on to one
// snapshot for the duration of a request.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	tenants  map[string]Tenant
	keys     map[string][]Key
}

func newSnapshot(version uint64, entries []Entry) *Snapshot {
	s := &Snapshot{
		version:  version,
		loadedAt: time.Now(),
		tenants:  make(map[string]Tenant, len(entries)),
		keys:     make(map[string][]Key, len(entries)),
	}
	for _, e := range entries {
		if e.Tenant.Slug != "" {
			s.tenants[e.Tenant.Slug] = e.Tenant
		}
	}
	for _, e := range entries {
		for _, k := range e.Keys {
			if _, known := s.tenants[k.Slug]; known && k.Active() {
				s.keys[k.Slug] = append(s.keys[k.Slug], k)
			}
		}
	}
	return s
}

// with returns a copy of s that also contains e. Key slices are copied so
// that earlier snapshots never observe the addition.
func (s *Snapshot) with(version uint64, e Entry) *Snapshot {
	next := &Snapshot{
		version:  version,
		loadedAt: s.loadedAt,
		tenants:  make(map[string]Tenant, len(s.tenants)+1),
		keys:     make(map[string][]Key, len(s.keys)+1),
	}
	for slug, t := range s.tenants {
		next.tenants[slug] = t
	}
	for slug, ks := range s.keys {
		next.keys[slug] = append([]Key(nil), ks...)
	}
	if e.Tenant.Slug != "" {
		next.tenants[e.Tenant.Slug] = e.Tenant
	}
	for _, k := range e.Keys {
		if k.Active() {
			next.keys[k.Slug] = append(next.keys[k.Slug], k)
		}
	}
	return next
}

// Version increases with every published snapshot.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is when the sources were last read.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Lookup returns the tenant with the given slug.
func (s *Snapshot) Lookup(slug string) (Tenant, bool) {
	t, ok := s.tenants[slug]
	return t, ok
}

// Keys returns the active keys for slug. The slice must not be modified.
func (s *Snapshot) Keys(slug string) []Key {
	return s.keys[slug]
}

// Len is the number of tenants.
func (s *Snapshot) Len() int { return len(s.tenants) }

// List returns all tenants sorted by slug.
func (s *Snapshot) List() []Tenant {
	out := make([]Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// ByGitHubOrg returns the tenants whose code-hosting org matches org, sorted by slug.
func (s *Snapshot) ByGitHubOrg(org string) []Tenant {
	var out []Tenant
	for _, t := range s.List() {
		if t.MatchesOrg(org) {
			out = append(out, t)
		}
	}
	return out
}
