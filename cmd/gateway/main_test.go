package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Curve-Labs/egregore-site-sub000/internal/apikey"
	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
	"github.com/Curve-Labs/egregore-site-sub000/internal/database"
	"github.com/Curve-Labs/egregore-site-sub000/internal/encryption"
	"github.com/Curve-Labs/egregore-site-sub000/internal/ratelimit"
)

const alphaKey = "ek_alpha_0123456789abcdef0123456789abcdef"

func testHasher(t *testing.T) *encryption.KeyHasher {
	t.Helper()
	h, err := encryption.NewKeyHasherWithCost(4)
	require.NoError(t, err)
	return h
}

func setTenants(t *testing.T, raw string) {
	t.Helper()
	t.Setenv("TENANTS_FILE", "")
	t.Setenv("TENANTS", raw)
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"server", "keygen", "migrate", "tenants", "shell"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	sub := map[string]bool{}
	for _, c := range migrateCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.True(t, sub["up"] && sub["down"] && sub["status"])
}

func TestKeygen_JSON(t *testing.T) {
	envFile = ""
	keygenJSON = true
	keygenSave = false
	t.Cleanup(func() { keygenJSON = false })

	var out bytes.Buffer
	keygenCmd.SetOut(&out)
	t.Cleanup(func() { keygenCmd.SetOut(nil) })
	require.NoError(t, runKeygen(keygenCmd, []string{"acme"}))

	var got keygenOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "acme", got.Slug)
	parsed, err := apikey.Parse(got.APIKey)
	require.NoError(t, err)
	assert.Equal(t, "acme", parsed.Slug)
	assert.NoError(t, encryption.NewKeyHasher().VerifyKey(got.APIKey, got.Hash))
	assert.NotContains(t, got.Prefix, parsed.Secret)
}

func TestKeygen_SaveRequiresDriver(t *testing.T) {
	envFile = ""
	t.Setenv("DB_DRIVER", "")
	keygenSave = true
	t.Cleanup(func() { keygenSave = false })

	err := runKeygen(keygenCmd, []string{"acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DRIVER")
}

func TestPrintTenants(t *testing.T) {
	setTenants(t, `{"alpha": {"org_name": "Alpha Org", "github_org": "alpha-gh", "neo4j_host": "https://graph.alpha", "neo4j_password": "hunter2", "api_key": "`+alphaKey+`"}}`)
	dir, err := buildDirectory(context.Background(), nil, testHasher(t), nil)
	require.NoError(t, err)

	var table bytes.Buffer
	require.NoError(t, printTenants(&table, dir.Snapshot(), false))
	assert.Contains(t, table.String(), "alpha")
	assert.Contains(t, table.String(), "Alpha Org")
	assert.NotContains(t, table.String(), "hunter2")

	var raw bytes.Buffer
	require.NoError(t, printTenants(&raw, dir.Snapshot(), true))
	var rows []tenantRow
	require.NoError(t, json.Unmarshal(raw.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "****", rows[0].Neo4jPassword)
	assert.Equal(t, 1, rows[0].Keys)
	assert.False(t, rows[0].Messaging)
}

func TestBuildDirectory_RejectsForeignKey(t *testing.T) {
	setTenants(t, `{"beta": {"neo4j_host": "https://graph.beta", "api_key": "`+alphaKey+`"}}`)
	_, err := buildDirectory(context.Background(), nil, testHasher(t), nil)
	assert.ErrorContains(t, err, "belongs to")
}

func TestBuildDirectory_ReloadRereadsTenants(t *testing.T) {
	setTenants(t, `{"alpha": {"neo4j_host": "https://graph.alpha"}}`)
	dir, err := buildDirectory(context.Background(), nil, testHasher(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, dir.Snapshot().Len())

	t.Setenv("TENANTS", `{"alpha": {"neo4j_host": "https://graph.alpha"}, "beta": {"neo4j_host": "https://graph.beta"}}`)
	require.NoError(t, dir.Reload(context.Background()))
	_, ok := dir.Lookup("beta")
	assert.True(t, ok)
}

func TestStoreConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DatabaseDriver = "SQLite"
	cfg.DatabasePath = "/tmp/x.db"
	cfg.DatabasePoolSize = 8

	dbConfig, err := storeConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, database.DriverSQLite, dbConfig.Driver)
	assert.Equal(t, "/tmp/x.db", dbConfig.Path)
	assert.Equal(t, 8, dbConfig.MaxOpenConns)
	assert.Equal(t, 4, dbConfig.MaxIdleConns)
	assert.Nil(t, dbConfig.Encryptor)

	cfg.EncryptionKey = "not-base64!"
	_, err = storeConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
}

func TestOpenStore(t *testing.T) {
	cfg := config.DefaultConfig()
	db, err := openStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, db)

	cfg.DatabaseDriver = "sqlite"
	cfg.DatabasePath = ":memory:"
	db, err = openStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, db)
	defer func() { _ = db.Close() }()
	assert.NoError(t, db.Ping(context.Background()))
}

func TestBuildLimiter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimitMax = 3

	limiter, checks := buildLimiter(cfg, nil, zap.NewNop())
	assert.IsType(t, &ratelimit.MemoryLimiter{}, limiter)
	assert.Empty(t, checks)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg.RateLimitBackend = "redis"
	limiter, checks = buildLimiter(cfg, client, zap.NewNop())
	assert.IsType(t, &ratelimit.RedisLimiter{}, limiter)
	require.Len(t, checks, 1)
	assert.Equal(t, "ratelimit", checks[0].Name)
	assert.NoError(t, checks[0].Check(context.Background()))

	mr.Close()
	assert.Error(t, checks[0].Check(context.Background()))
}

func TestBuildEventBus_InMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	bus := buildEventBus(context.Background(), cfg, nil, zap.NewNop())
	require.NotNil(t, bus)
	bus.Stop()
}

type fakeToucher struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (f *fakeToucher) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeToucher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestTouchingAuthenticator(t *testing.T) {
	setTenants(t, `{"alpha": {"neo4j_host": "https://graph.alpha", "api_key": "`+alphaKey+`"}}`)
	hasher := testHasher(t)
	dir, err := buildDirectory(context.Background(), nil, hasher, nil)
	require.NoError(t, err)

	toucher := &fakeToucher{done: make(chan struct{}, 4)}
	auth := newTouchingAuthenticator(
		apikey.NewAuthenticator(dir, hasher, apikey.DefaultCacheOptions(), zap.NewNop()),
		toucher, time.Hour, zap.NewNop())

	id, err := auth.Authenticate(context.Background(), alphaKey)
	require.NoError(t, err)
	assert.Equal(t, "alpha", id.Slug)

	select {
	case <-toucher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("key usage was not recorded")
	}

	_, err = auth.Authenticate(context.Background(), alphaKey)
	require.NoError(t, err)
	assert.Equal(t, 1, toucher.count())

	_, err = auth.Authenticate(context.Background(), "ek_alpha_ffffffffffffffffffffffffffffffff")
	assert.Error(t, err)
	assert.Equal(t, 1, toucher.count())
}

func TestApplyServerOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":8080")
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("LOG_FILE", "")

	serverListenAddr = ":9999"
	serverLogLevel = "warn"
	debugMode = true
	t.Cleanup(func() {
		serverListenAddr, serverLogLevel, debugMode = "", "", false
	})

	require.NoError(t, applyServerOverrides())
	assert.Equal(t, ":9999", os.Getenv("LISTEN_ADDR"))
	assert.Equal(t, "debug", os.Getenv("LOG_LEVEL"))
	assert.Equal(t, "", os.Getenv("LOG_FILE"))
}
