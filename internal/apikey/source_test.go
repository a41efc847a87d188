package apikey

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
)

func TestConfigSource_ReadsOnEveryLoad(t *testing.T) {
	key := "ek_alpha_0123456789abcdef0123456789abcdef"
	opts := []config.TenantOptions{{Slug: "alpha", APIKey: key, Neo4jHost: "https://a"}}
	calls := 0
	src := NewConfigSource(fastHasher(t), func() ([]config.TenantOptions, error) {
		calls++
		return opts, nil
	})

	first, err := src.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Len(t, first[0].Keys, 1)

	opts = append(opts, config.TenantOptions{Slug: "beta", Neo4jHost: "https://b"})
	second, err := src.Entries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, second, 2)
	assert.Equal(t, first[0].Keys[0], second[0].Keys[0], "unchanged key keeps its ID and hash")
}

func TestConfigSource_LoadError(t *testing.T) {
	src := NewConfigSource(fastHasher(t), func() ([]config.TenantOptions, error) {
		return nil, errors.New("bad file")
	})
	_, err := src.Entries(context.Background())
	assert.ErrorContains(t, err, "bad file")
}

func TestConfigSource_DirectoryReloadPicksUpFileChanges(t *testing.T) {
	for _, name := range []string{"TENANTS", "TENANT_SLUG", "NEO4J_HOST", "ORG_API_KEY"} {
		t.Setenv(name, "")
	}
	path := filepath.Join(t.TempDir(), "tenants.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"alpha": {"neo4j_host": "https://alpha.db"}}`), 0o600))
	t.Setenv("TENANTS_FILE", path)

	dir := tenant.NewDirectory(nil, nil, NewConfigSource(fastHasher(t), nil))
	require.NoError(t, dir.Reload(context.Background()))
	_, ok := dir.Lookup("beta")
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(`{"alpha": {"neo4j_host": "https://alpha.db"}, "beta": {"neo4j_host": "https://beta.db"}}`), 0o600))
	require.NoError(t, dir.Reload(context.Background()))
	beta, ok := dir.Lookup("beta")
	require.True(t, ok)
	assert.Equal(t, "https://beta.db", beta.Neo4jHost)
}
