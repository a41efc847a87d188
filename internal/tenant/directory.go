package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// storeWriteTimeout bounds store writes, which run detached from the
// caller's context so a cancelled request cannot leave half-written state.
const storeWriteTimeout = 10 * time.Second

// Directory publishes immutable snapshots behind an atomic pointer. Reads
// never block; writes (Reload, Install, AddKey) are serialised.
type Directory struct {
	current atomic.Pointer[Snapshot]

	writeMu sync.Mutex
	version uint64
	sources []Source
	store   Store
	logger  *zap.Logger
}

// NewDirectory creates an empty directory. Call Reload to read the sources.
// Entries from earlier sources take precedence over later ones; store entries
// come last. A nil store is replaced by a MemoryStore, so runtime installs
// and keys are merged back on every Reload.
func NewDirectory(logger *zap.Logger, store Store, sources ...Source) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	d := &Directory{sources: sources, store: store, logger: logger}
	d.current.Store(newSnapshot(0, nil))
	return d
}

// Snapshot returns the currently published snapshot.
func (d *Directory) Snapshot() *Snapshot {
	return d.current.Load()
}

// Lookup is shorthand for Snapshot().Lookup.
func (d *Directory) Lookup(slug string) (Tenant, bool) {
	return d.Snapshot().Lookup(slug)
}

// Reload re-reads every source and publishes the result. A tenant defined
// by several sources keeps its first definition; keys from all sources are
// merged by slug. On error the previous snapshot stays in place.
func (d *Directory) Reload(ctx context.Context) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	sources := append(append([]Source(nil), d.sources...), d.store)

	var merged []Entry
	seen := make(map[string]struct{})
	for _, src := range sources {
		entries, err := src.Entries(ctx)
		if err != nil {
			return fmt.Errorf("failed to load tenant directory: %w", err)
		}
		for _, e := range entries {
			if e.Tenant.Slug != "" {
				if _, dup := seen[e.Tenant.Slug]; dup {
					d.logger.Warn("duplicate tenant definition ignored", zap.String("tenant", e.Tenant.Slug))
					e.Tenant = Tenant{}
				} else {
					seen[e.Tenant.Slug] = struct{}{}
				}
			}
			merged = append(merged, e)
		}
	}

	d.version++
	snap := newSnapshot(d.version, merged)
	d.current.Store(snap)
	d.logger.Info("tenant directory loaded", zap.Int("tenants", snap.Len()), zap.Uint64("version", d.version))
	return nil
}

// Install adds a new tenant with its initial keys. It is the only path that
// creates tenants at runtime.
func (d *Directory) Install(ctx context.Context, e Entry) error {
	if e.Tenant.Slug == "" {
		return errors.New("tenant slug cannot be empty")
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	cur := d.current.Load()
	if _, exists := cur.Lookup(e.Tenant.Slug); exists {
		return ErrSlugTaken
	}
	if e.Tenant.CreatedAt.IsZero() {
		e.Tenant.CreatedAt = time.Now().UTC()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := d.store.CreateTenant(wctx, e.Tenant, e.Keys); err != nil {
		return fmt.Errorf("failed to persist tenant %s: %w", e.Tenant.Slug, err)
	}

	d.version++
	d.current.Store(cur.with(d.version, e))
	d.logger.Info("tenant installed", zap.String("tenant", e.Tenant.Slug), zap.Uint64("version", d.version))
	return nil
}

// AddKey attaches another key to an existing tenant.
func (d *Directory) AddKey(ctx context.Context, k Key) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	cur := d.current.Load()
	if _, exists := cur.Lookup(k.Slug); !exists {
		return ErrNotFound
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := d.store.CreateAPIKey(wctx, k); err != nil {
		return fmt.Errorf("failed to persist key for %s: %w", k.Slug, err)
	}

	d.version++
	d.current.Store(cur.with(d.version, Entry{Keys: []Key{k}}))
	return nil
}
