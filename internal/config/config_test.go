package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv empties the process environment for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	saved := os.Environ()
	os.Clearenv()
	t.Cleanup(func() {
		os.Clearenv()
		for _, kv := range saved {
			if i := strings.IndexByte(kv, '='); i > 0 {
				_ = os.Setenv(kv[:i], kv[i+1:])
			}
		}
	})
}

func TestGetEnvFunctions(t *testing.T) {
	clearEnv(t)

	t.Run("getEnvInt", func(t *testing.T) {
		assert.Equal(t, 42, getEnvInt("TEST_INT", 42))
		t.Setenv("TEST_INT", "123")
		assert.Equal(t, 123, getEnvInt("TEST_INT", 42))
		t.Setenv("TEST_INT", "not-an-int")
		assert.Equal(t, 42, getEnvInt("TEST_INT", 42))
	})

	t.Run("getEnvDuration accepts bare seconds", func(t *testing.T) {
		t.Setenv("TEST_DUR", "60")
		assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR", time.Second))
		t.Setenv("TEST_DUR", "1m30s")
		assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
		t.Setenv("TEST_DUR", "later")
		assert.Equal(t, time.Second, getEnvDuration("TEST_DUR", time.Second))
	})

	t.Run("getEnvStringSlice drops blanks", func(t *testing.T) {
		t.Setenv("TEST_SLICE", " https://a.example , ,https://b.example")
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvStringSlice("TEST_SLICE", nil))
		assert.Nil(t, getEnvStringSlice("TEST_MISSING", nil))
	})

	t.Run("EnvOrDefault treats empty as unset", func(t *testing.T) {
		assert.Equal(t, "fallback", EnvOrDefault("TEST_STR", "fallback"))
		t.Setenv("TEST_STR", "")
		assert.Equal(t, "fallback", EnvOrDefault("TEST_STR", "fallback"))
		assert.Equal(t, "", getEnvString("TEST_STR", "fallback"))
		t.Setenv("TEST_STR", "value")
		assert.Equal(t, "value", EnvOrDefault("TEST_STR", "fallback"))
	})

	t.Run("getEnvBool", func(t *testing.T) {
		t.Setenv("TEST_BOOL", "true")
		assert.True(t, getEnvBool("TEST_BOOL", false))
		t.Setenv("TEST_BOOL", "nah")
		assert.False(t, getEnvBool("TEST_BOOL", false))
	})
}

func TestNew(t *testing.T) {
	t.Run("DefaultValues", func(t *testing.T) {
		clearEnv(t)

		cfg, err := New()
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.ListenAddr)
		assert.Equal(t, 120, cfg.RateLimitMax)
		assert.Equal(t, 60*time.Second, cfg.RateLimitWindow)
		assert.Equal(t, 10240, cfg.MaxQueryBytes)
		assert.Equal(t, 20, cfg.MaxBatchSize)
		assert.Equal(t, 10*time.Minute, cfg.SetupTokenTTL)
		assert.Equal(t, 7*24*time.Hour, cfg.InviteTokenTTL)
		assert.Equal(t, 30*time.Second, cfg.GraphTimeout)
		assert.Equal(t, "memory", cfg.RateLimitBackend)
		assert.Empty(t, cfg.Tenants)
		assert.Empty(t, cfg.AllowedOrigins)
		assert.False(t, cfg.AdminEnabled())
	})

	t.Run("CustomValues", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("LISTEN_ADDR", ":9090")
		t.Setenv("RATE_LIMIT_MAX", "10")
		t.Setenv("RATE_LIMIT_WINDOW", "30")
		t.Setenv("ALLOWED_ORIGINS", "https://app.example,https://admin.example")
		t.Setenv("MANAGEMENT_TOKEN", "mgmt")
		t.Setenv("ENABLE_METRICS", "false")

		cfg, err := New()
		require.NoError(t, err)

		assert.Equal(t, ":9090", cfg.ListenAddr)
		assert.Equal(t, 10, cfg.RateLimitMax)
		assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
		assert.Equal(t, []string{"https://app.example", "https://admin.example"}, cfg.AllowedOrigins)
		assert.True(t, cfg.AdminEnabled())
		assert.False(t, cfg.EnableMetrics)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		tests := []struct {
			name string
			key  string
			val  string
		}{
			{"zero rate limit", "RATE_LIMIT_MAX", "0"},
			{"unknown backend", "RATE_LIMIT_BACKEND", "memcached"},
			{"unknown driver", "DB_DRIVER", "oracle"},
			{"postgres without url", "DB_DRIVER", "postgres"},
			{"malformed tenants", "TENANTS", "{not json"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				clearEnv(t)
				t.Setenv(tt.key, tt.val)
				_, err := New()
				assert.Error(t, err)
			})
		}
	})
}

func TestParseTenants(t *testing.T) {
	raw := `{
		"beta": {"org_name": "Beta", "github_org": "BetaOrg", "api_key": "ek_beta_00", "neo4j_host": "https://beta.db", "neo4j_user": "neo4j", "neo4j_password": "pw"},
		"alpha": {"slug": "alpha", "org_name": "Alpha", "github_org": "AlphaOrg", "neo4j_host": "https://alpha.db", "telegram_chat_id": "-100"}
	}`

	tenants, err := ParseTenants(raw)
	require.NoError(t, err)
	require.Len(t, tenants, 2)

	assert.Equal(t, "alpha", tenants[0].Slug)
	assert.Equal(t, "AlphaOrg", tenants[0].GitHubOrg)
	assert.Equal(t, "-100", tenants[0].TelegramChatID)
	assert.Equal(t, "beta", tenants[1].Slug)
	assert.Equal(t, "ek_beta_00", tenants[1].APIKey)

	_, err = ParseTenants(`{"alpha": {"slug": "beta", "neo4j_host": "h"}}`)
	assert.Error(t, err, "mismatched slug")

	_, err = ParseTenants(`{"al_pha": {"neo4j_host": "h"}}`)
	assert.Error(t, err, "underscore in slug")

	_, err = ParseTenants(`{"alpha": {}}`)
	assert.Error(t, err, "missing host")
}

func TestLoadTenants_LegacyFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("TENANT_SLUG", "solo")
	t.Setenv("ORG_NAME", "Solo")
	t.Setenv("API_KEY", "ek_solo_abc")
	t.Setenv("NEO4J_HOST", "https://solo.db")
	t.Setenv("NEO4J_PASSWORD", "pw")

	tenants, err := LoadTenants()
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	assert.Equal(t, "solo", tenants[0].Slug)
	assert.Equal(t, "neo4j", tenants[0].Neo4jUser)
	assert.Equal(t, "ek_solo_abc", tenants[0].APIKey)

	t.Setenv("TENANTS", `{"alpha": {"neo4j_host": "https://alpha.db"}}`)
	tenants, err = LoadTenants()
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	assert.Equal(t, "alpha", tenants[0].Slug, "TENANTS takes precedence")
}

func TestLoadTenants_File(t *testing.T) {
	clearEnv(t)
	t.Setenv("TENANTS", `{"alpha": {"neo4j_host": "https://alpha.db"}}`)

	path := filepath.Join(t.TempDir(), "tenants.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"beta": {"neo4j_host": "https://beta.db"}}`), 0o600))
	t.Setenv("TENANTS_FILE", path)

	tenants, err := LoadTenants()
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	assert.Equal(t, "beta", tenants[0].Slug, "TENANTS_FILE takes precedence")

	require.NoError(t, os.WriteFile(path, []byte(`{"beta": {"neo4j_host": "https://beta.db"}, "gamma": {"neo4j_host": "https://gamma.db"}}`), 0o600))
	tenants, err = LoadTenants()
	require.NoError(t, err)
	assert.Len(t, tenants, 2, "the file is read on every call")

	t.Setenv("TENANTS_FILE", filepath.Join(t.TempDir(), "missing.json"))
	_, err = LoadTenants()
	assert.Error(t, err)
}
