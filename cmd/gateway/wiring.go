package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Curve-Labs/egregore-site-sub000/internal/apikey"
	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
	"github.com/Curve-Labs/egregore-site-sub000/internal/database"
	"github.com/Curve-Labs/egregore-site-sub000/internal/encryption"
	"github.com/Curve-Labs/egregore-site-sub000/internal/eventbus"
	"github.com/Curve-Labs/egregore-site-sub000/internal/ratelimit"
	"github.com/Curve-Labs/egregore-site-sub000/internal/server"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
)

// storeConfig maps the gateway configuration onto the admin store's.
func storeConfig(cfg *config.Config) (database.Config, error) {
	dbConfig := database.DefaultConfig()
	dbConfig.Driver = database.DriverType(strings.ToLower(cfg.DatabaseDriver))
	if cfg.DatabasePath != "" {
		dbConfig.Path = cfg.DatabasePath
	}
	dbConfig.DatabaseURL = cfg.DatabaseURL
	if cfg.DatabasePoolSize > 0 {
		dbConfig.MaxOpenConns = cfg.DatabasePoolSize
		dbConfig.MaxIdleConns = cfg.DatabasePoolSize / 2
	}
	if cfg.EncryptionKey != "" {
		enc, err := encryption.NewEncryptorFromBase64Key(cfg.EncryptionKey)
		if err != nil {
			return database.Config{}, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
		}
		dbConfig.Encryptor = enc
	}
	return dbConfig, nil
}

// openStore connects and migrates the admin store. It returns nil when no
// driver is configured.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*database.DB, error) {
	if cfg.DatabaseDriver == "" {
		return nil, nil
	}
	dbConfig, err := storeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if dbConfig.Encryptor == nil {
		logger.Warn("ENCRYPTION_KEY not set - tenant secrets will be stored in plaintext",
			zap.String("hint", "Generate a valid key with: openssl rand -base64 32"))
	}
	db, err := database.New(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s admin store: %w", dbConfig.Driver, err)
	}
	switch {
	case dbConfig.Driver == database.DriverSQLite && dbConfig.Path == ":memory:":
		logger.Info("Connected to in-memory SQLite admin store")
	case dbConfig.Driver == database.DriverSQLite:
		logger.Info("Connected to SQLite admin store", zap.String("path", dbConfig.Path))
	default:
		logger.Info("Connected to admin store", zap.String("driver", string(dbConfig.Driver)))
	}
	return db, nil
}

// buildDirectory combines the configured tenants, re-read on every reload,
// with the admin store when present. Without a store, runtime installs are
// kept in memory.
func buildDirectory(ctx context.Context, store *database.DB, hasher encryption.Hasher, logger *zap.Logger) (*tenant.Directory, error) {
	source := apikey.NewConfigSource(hasher, config.LoadTenants)
	var dir *tenant.Directory
	if store != nil {
		dir = tenant.NewDirectory(logger, store, source)
	} else {
		dir = tenant.NewDirectory(logger, nil, source)
	}
	if err := dir.Reload(ctx); err != nil {
		return nil, err
	}
	return dir, nil
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
}

// buildLimiter returns the configured limiter and, for redis, a readiness
// check.
func buildLimiter(cfg *config.Config, client *redis.Client, logger *zap.Logger) (ratelimit.Limiter, []server.ReadyCheck) {
	if cfg.RateLimitBackend != "redis" || client == nil {
		return ratelimit.NewMemoryLimiter(cfg.RateLimitMax, cfg.RateLimitWindow), nil
	}
	rlConfig := ratelimit.DefaultRedisLimiterConfig()
	rlConfig.MaxRequests = cfg.RateLimitMax
	rlConfig.Window = cfg.RateLimitWindow
	rlConfig.EnableFallback = cfg.RateLimitFallback
	if cfg.RateLimitPrefix != "" {
		rlConfig.KeyPrefix = cfg.RateLimitPrefix
	}
	if cfg.RateLimitKeySecret != "" {
		rlConfig.KeyHashSecret = []byte(cfg.RateLimitKeySecret)
	}
	limiter := ratelimit.NewRedisLimiter(client, rlConfig)
	logger.Info("Using redis rate limiter",
		zap.String("addr", cfg.RedisAddr),
		zap.Bool("fallback", rlConfig.EnableFallback))
	return limiter, []server.ReadyCheck{{Name: "ratelimit", Check: limiter.CheckRedisHealth}}
}

func buildEventBus(ctx context.Context, cfg *config.Config, client *redis.Client, logger *zap.Logger) eventbus.EventBus {
	if cfg.EventBusBackend != "redis" || client == nil {
		return eventbus.NewInMemoryEventBus(cfg.EventBusBufferSize)
	}
	busConfig := eventbus.DefaultRedisStreamsConfig()
	if cfg.EventBusStream != "" {
		busConfig.StreamKey = cfg.EventBusStream
	}
	if host, err := os.Hostname(); err == nil {
		busConfig.ConsumerName = host + "-" + fmt.Sprint(os.Getpid())
	}
	bus := eventbus.NewRedisStreamsEventBus(&eventbus.StreamsClientAdapter{Client: client}, busConfig, logger)
	if err := bus.EnsureConsumerGroup(ctx); err != nil {
		logger.Warn("Failed to create event consumer group", zap.Error(err))
	}
	return bus
}

// KeyToucher records when a stored key was last used.
type KeyToucher interface {
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// touchingAuthenticator records key usage in the admin store at most once
// per interval per key. Recording never delays or fails a request.
type touchingAuthenticator struct {
	*apikey.Authenticator
	store    KeyToucher
	interval time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

func newTouchingAuthenticator(auth *apikey.Authenticator, store KeyToucher, interval time.Duration, logger *zap.Logger) *touchingAuthenticator {
	return &touchingAuthenticator{
		Authenticator: auth,
		store:         store,
		interval:      interval,
		logger:        logger,
		last:          make(map[string]time.Time),
	}
}

func (a *touchingAuthenticator) Authenticate(ctx context.Context, credential string) (apikey.Identity, error) {
	id, err := a.Authenticator.Authenticate(ctx, credential)
	if err != nil || id.KeyID == "" {
		return id, err
	}
	now := time.Now().UTC()
	a.mu.Lock()
	due := now.Sub(a.last[id.KeyID]) >= a.interval
	if due {
		a.last[id.KeyID] = now
	}
	a.mu.Unlock()
	if due {
		go func(keyID string) {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := a.store.TouchAPIKey(tctx, keyID, now); err != nil {
				a.logger.Debug("failed to record key usage", zap.String("key_id", keyID), zap.Error(err))
			}
		}(id.KeyID)
	}
	return id, nil
}
