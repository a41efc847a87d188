package apikey

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Curve-Labs/egregore-site-sub000/internal/encryption"
	"github.com/Curve-Labs/egregore-site-sub000/internal/obfuscate"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
)

// SnapshotSource is the read side of the tenant directory.
type SnapshotSource interface {
	Snapshot() *tenant.Snapshot
}

// Identity is the outcome of a successful authentication. Downstream code
// receives this, never the credential.
type Identity struct {
	Tenant tenant.Tenant
	Slug   string
	KeyID  string
}

// Authenticator is the only place that maps a credential to a tenant.
type Authenticator struct {
	dir    SnapshotSource
	hasher encryption.Hasher
	cache  *keyCache
	logger *zap.Logger
}

// NewAuthenticator creates an Authenticator over dir.
func NewAuthenticator(dir SnapshotSource, hasher encryption.Hasher, opts CacheOptions, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		dir:    dir,
		hasher: hasher,
		cache:  newKeyCache(opts),
		logger: logger,
	}
}

// Authenticate resolves credential to exactly one tenant. Failures are
// ErrInvalidFormat, ErrUnknownTenant or ErrCredentialMismatch.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (Identity, error) {
	parsed, err := Parse(credential)
	if err != nil {
		return Identity{}, err
	}

	snap := a.dir.Snapshot()
	t, ok := snap.Lookup(parsed.Slug)
	if !ok {
		return Identity{}, ErrUnknownTenant
	}

	lookup := a.hasher.LookupKey(credential)
	if hit, ok := a.cache.get(lookup, snap.Version()); ok && hit.slug == t.Slug {
		return Identity{Tenant: t, Slug: t.Slug, KeyID: hit.keyID}, nil
	}

	for _, k := range snap.Keys(t.Slug) {
		if err := ctx.Err(); err != nil {
			return Identity{}, err
		}
		err := a.hasher.VerifyKey(credential, k.Hash)
		if err == nil {
			a.cache.put(lookup, cachedKey{slug: t.Slug, keyID: k.ID, version: snap.Version()})
			return Identity{Tenant: t, Slug: t.Slug, KeyID: k.ID}, nil
		}
		if !errors.Is(err, encryption.ErrHashMismatch) {
			a.logger.Warn("stored key could not be verified",
				zap.String("tenant", t.Slug),
				zap.String("key_id", k.ID),
				zap.Error(err))
		}
	}

	a.logger.Debug("credential mismatch", zap.String("tenant", t.Slug), zap.String("key", obfuscate.Token(credential)))
	return Identity{}, ErrCredentialMismatch
}

// ClearCache drops all cached verifications.
func (a *Authenticator) ClearCache() { a.cache.clear() }

// CacheStats reports cache counters.
func (a *Authenticator) CacheStats() CacheStats { return a.cache.stats() }
