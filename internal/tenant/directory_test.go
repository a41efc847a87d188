package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Entries(ctx context.Context) ([]Entry, error) {
	args := m.Called(ctx)
	entries, _ := args.Get(0).([]Entry)
	return entries, args.Error(1)
}

func (m *mockStore) CreateTenant(ctx context.Context, t Tenant, keys []Key) error {
	return m.Called(ctx, t, keys).Error(0)
}

func (m *mockStore) CreateAPIKey(ctx context.Context, k Key) error {
	return m.Called(ctx, k).Error(0)
}

func alphaEntry() Entry {
	return Entry{
		Tenant: Tenant{Slug: "alpha", OrgName: "Alpha", GitHubOrg: "AlphaOrg", Neo4jHost: "https://alpha.db"},
		Keys:   []Key{{ID: "k1", Slug: "alpha", Prefix: "ek_alpha_0123", Hash: "hash:v1:x"}},
	}
}

func TestDirectory_ReloadFromSources(t *testing.T) {
	revoked := time.Now()
	env := StaticSource{alphaEntry()}
	store := &mockStore{}
	store.On("Entries", mock.Anything).Return([]Entry{
		{Tenant: Tenant{Slug: "alpha", OrgName: "Shadowed"}},
		{Tenant: Tenant{Slug: "beta", GitHubOrg: "BetaOrg"}, Keys: []Key{
			{ID: "k2", Slug: "beta", Hash: "hash:v1:b"},
			{ID: "k3", Slug: "beta", Hash: "hash:v1:c", RevokedAt: &revoked},
		}},
		{Keys: []Key{{ID: "k4", Slug: "alpha", Hash: "hash:v1:d"}}},
		{Keys: []Key{{ID: "k5", Slug: "ghost", Hash: "hash:v1:e"}}},
	}, nil)

	d := NewDirectory(nil, store, env)
	assert.Equal(t, 0, d.Snapshot().Len())

	require.NoError(t, d.Reload(context.Background()))
	snap := d.Snapshot()

	assert.Equal(t, 2, snap.Len())
	alpha, ok := snap.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, "Alpha", alpha.OrgName, "first source wins")
	assert.Len(t, snap.Keys("alpha"), 2, "keys merged across sources")
	assert.Len(t, snap.Keys("beta"), 1, "revoked keys are excluded")
	assert.Empty(t, snap.Keys("ghost"), "keys for unknown tenants are dropped")
	assert.Equal(t, uint64(1), snap.Version())

	assert.Equal(t, []string{"alpha", "beta"}, slugs(snap.List()))
	assert.Equal(t, []string{"beta"}, slugs(snap.ByGitHubOrg("betaorg")))
}

func TestDirectory_ReloadErrorKeepsSnapshot(t *testing.T) {
	store := &mockStore{}
	store.On("Entries", mock.Anything).Return([]Entry{alphaEntry()}, nil).Once()
	store.On("Entries", mock.Anything).Return(nil, errors.New("db down")).Once()

	d := NewDirectory(nil, store)
	require.NoError(t, d.Reload(context.Background()))
	before := d.Snapshot()

	assert.Error(t, d.Reload(context.Background()))
	assert.Same(t, before, d.Snapshot())
}

func TestDirectory_Install(t *testing.T) {
	d := NewDirectory(nil, nil, StaticSource{alphaEntry()})
	require.NoError(t, d.Reload(context.Background()))
	old := d.Snapshot()

	err := d.Install(context.Background(), Entry{
		Tenant: Tenant{Slug: "alphaorg-research", GitHubOrg: "AlphaOrg"},
		Keys:   []Key{{ID: "k9", Slug: "alphaorg-research", Hash: "hash:v1:z"}},
	})
	require.NoError(t, err)

	_, ok := d.Lookup("alphaorg-research")
	assert.True(t, ok)
	assert.Len(t, d.Snapshot().Keys("alphaorg-research"), 1)
	_, ok = old.Lookup("alphaorg-research")
	assert.False(t, ok, "published snapshots are immutable")

	assert.ErrorIs(t, d.Install(context.Background(), alphaEntry()), ErrSlugTaken)
	assert.Error(t, d.Install(context.Background(), Entry{}))
}

func TestDirectory_InstallPersistsDetachedFromCaller(t *testing.T) {
	store := &mockStore{}
	store.On("CreateTenant", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.Anything, mock.Anything).Return(nil)

	d := NewDirectory(nil, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.Install(ctx, alphaEntry()))
	store.AssertExpectations(t)
}

func TestDirectory_InstallStoreFailure(t *testing.T) {
	store := &mockStore{}
	store.On("CreateTenant", mock.Anything, mock.Anything, mock.Anything).Return(ErrSlugTaken)

	d := NewDirectory(nil, store)
	err := d.Install(context.Background(), alphaEntry())
	assert.ErrorIs(t, err, ErrSlugTaken)
	assert.Equal(t, 0, d.Snapshot().Len(), "nothing published on failure")
}

func TestDirectory_AddKey(t *testing.T) {
	d := NewDirectory(nil, nil, StaticSource{alphaEntry()})
	require.NoError(t, d.Reload(context.Background()))

	require.NoError(t, d.AddKey(context.Background(), Key{ID: "k2", Slug: "alpha", Hash: "hash:v1:y"}))
	assert.Len(t, d.Snapshot().Keys("alpha"), 2)

	assert.ErrorIs(t, d.AddKey(context.Background(), Key{ID: "k3", Slug: "nobody"}), ErrNotFound)
}

func TestDirectory_RuntimeInstallsSurviveReload(t *testing.T) {
	d := NewDirectory(nil, nil, StaticSource{alphaEntry()})
	require.NoError(t, d.Reload(context.Background()))

	require.NoError(t, d.Install(context.Background(), Entry{
		Tenant: Tenant{Slug: "beta", GitHubOrg: "BetaOrg"},
		Keys:   []Key{{ID: "kb", Slug: "beta", Hash: "hash:v1:b"}},
	}))
	require.NoError(t, d.AddKey(context.Background(), Key{ID: "k2", Slug: "alpha", Hash: "hash:v1:y"}))

	require.NoError(t, d.Reload(context.Background()))
	snap := d.Snapshot()
	_, ok := snap.Lookup("beta")
	assert.True(t, ok, "installed tenant kept after reload")
	assert.Len(t, snap.Keys("beta"), 1)
	assert.Len(t, snap.Keys("alpha"), 2, "added key kept after reload")

	assert.ErrorIs(t, d.Install(context.Background(), Entry{Tenant: Tenant{Slug: "beta"}}), ErrSlugTaken)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateTenant(ctx, Tenant{Slug: "alpha"}, []Key{{ID: "k1", Slug: "alpha"}}))
	assert.ErrorIs(t, m.CreateTenant(ctx, Tenant{Slug: "alpha"}, nil), ErrSlugTaken)
	require.NoError(t, m.CreateAPIKey(ctx, Key{ID: "k2", Slug: "alpha"}))

	entries, err := m.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alpha", entries[0].Tenant.Slug)
	assert.Len(t, entries[1].Keys, 2)
}

func TestDirectory_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	d := NewDirectory(nil, nil, StaticSource{alphaEntry()})
	require.NoError(t, d.Reload(context.Background()))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := d.Snapshot()
				if _, ok := snap.Lookup("alpha"); !ok {
					t.Error("alpha missing from a published snapshot")
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, d.Reload(context.Background()))
	}
	close(stop)
	wg.Wait()
}

func TestTenantHelpers(t *testing.T) {
	tn := Tenant{GitHubOrg: "AlphaOrg"}
	assert.True(t, tn.MatchesOrg("alphaorg"))
	assert.False(t, tn.MatchesOrg(""))
	assert.False(t, tn.HasMessaging())
	tn.TelegramBotToken, tn.TelegramChatID = "t", "c"
	assert.True(t, tn.HasMessaging())
}

func slugs(ts []Tenant) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Slug)
	}
	return out
}
