package ratelimit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis used by RedisLimiter.
type RedisClient interface {
	redis.Scripter
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisLimiterConfig contains configuration for the Redis rate limiter
type RedisLimiterConfig struct {
	// KeyPrefix is the prefix for all Redis keys used by the rate limiter
	KeyPrefix string
	// KeyHashSecret, when set, replaces tenant slugs in keys with an HMAC.
	KeyHashSecret []byte
	MaxRequests   int
	Window        time.Duration
	// EnableFallback enables fallback to in-memory rate limiting when Redis is unavailable
	EnableFallback bool
}

// DefaultRedisLimiterConfig returns default configuration
func DefaultRedisLimiterConfig() RedisLimiterConfig {
	return RedisLimiterConfig{
		KeyPrefix:      "egregore:ratelimit:",
		MaxRequests:    DefaultMaxRequests,
		Window:         DefaultWindow,
		EnableFallback: true,
	}
}

// slidingWindow trims the set to the window, then adds the request when it
// fits. Returns {allowed, count, oldest score}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, count, tonumber(oldest[2])}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, math.ceil(window / 1000) + 1000)
return {1, count + 1, 0}
`)

// RedisLimiter shares the sliding window across gateway processes using a
// sorted set per tenant. Scores are wall-clock microseconds.
type RedisLimiter struct {
	client   RedisClient
	config   RedisLimiterConfig
	fallback *MemoryLimiter
	now      func() time.Time

	nonce string
	seq   atomic.Uint64

	redisAvailable   bool
	redisAvailableMu sync.RWMutex
}

// NewRedisLimiter creates a new distributed rate limiter using Redis
func NewRedisLimiter(client RedisClient, config RedisLimiterConfig) *RedisLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultMaxRequests
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	l := &RedisLimiter{
		client:         client,
		config:         config,
		now:            time.Now,
		nonce:          uuid.NewString()[:8],
		redisAvailable: true,
	}
	if config.EnableFallback {
		l.fallback = NewMemoryLimiter(config.MaxRequests, config.Window)
	}
	return l
}

// buildKey constructs the Redis key for a tenant's window.
func (r *RedisLimiter) buildKey(slug string) string {
	id := slug
	if len(r.config.KeyHashSecret) > 0 {
		id = hashKey(slug, r.config.KeyHashSecret)
	}
	return r.config.KeyPrefix + id
}

// hashKey returns the first 16 hex characters of HMAC-SHA256(secret, s).
func hashKey(s string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if !r.IsRedisAvailable() {
		return r.fallbackAllow(ctx, key)
	}

	now := r.now().UnixMicro()
	window := r.config.Window.Microseconds()
	member := fmt.Sprintf("%d-%s-%d", now, r.nonce, r.seq.Add(1))

	res, err := slidingWindow.Run(ctx, r.client, []string{r.buildKey(key)},
		now, window, r.config.MaxRequests, member).Int64Slice()
	if err != nil || len(res) != 3 {
		r.markRedisUnavailable()
		return r.fallbackAllow(ctx, key)
	}
	r.markRedisAvailable()

	d := Decision{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		Max:     r.config.MaxRequests,
		Window:  r.config.Window,
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(res[2]+window-now) * time.Microsecond
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}

func (r *RedisLimiter) fallbackAllow(ctx context.Context, key string) (Decision, error) {
	if r.fallback == nil {
		return Decision{}, ErrRedisUnavailable
	}
	return r.fallback.Allow(ctx, key)
}

// Usage implements Limiter.
func (r *RedisLimiter) Usage(ctx context.Context, key string) (Usage, error) {
	if !r.IsRedisAvailable() {
		if r.fallback == nil {
			return Usage{}, ErrRedisUnavailable
		}
		return r.fallback.Usage(ctx, key)
	}

	cutoff := r.now().Add(-r.config.Window).UnixMicro()
	count, err := r.client.ZCount(ctx, r.buildKey(key), "("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		r.markRedisUnavailable()
		if r.fallback != nil {
			return r.fallback.Usage(ctx, key)
		}
		return Usage{}, fmt.Errorf("failed to read rate limit window: %w", err)
	}
	return usageOf(int(count), r.config.MaxRequests, r.config.Window), nil
}

// Reset implements Limiter.
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	if r.fallback != nil {
		_ = r.fallback.Reset(ctx, key)
	}
	if err := r.client.Del(ctx, r.buildKey(key)).Err(); err != nil {
		r.markRedisUnavailable()
		if r.fallback != nil {
			return nil
		}
		return fmt.Errorf("failed to reset rate limit window: %w", err)
	}
	r.markRedisAvailable()
	return nil
}

// IsRedisAvailable returns whether Redis is currently available
func (r *RedisLimiter) IsRedisAvailable() bool {
	r.redisAvailableMu.RLock()
	defer r.redisAvailableMu.RUnlock()
	return r.redisAvailable
}

// CheckRedisHealth pings Redis and updates availability. Once Redis has
// been marked unavailable, only a successful health check brings it back.
func (r *RedisLimiter) CheckRedisHealth(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.markRedisUnavailable()
		return fmt.Errorf("redis health check failed: %w", err)
	}
	r.markRedisAvailable()
	return nil
}

func (r *RedisLimiter) markRedisUnavailable() {
	r.redisAvailableMu.Lock()
	r.redisAvailable = false
	r.redisAvailableMu.Unlock()
}

func (r *RedisLimiter) markRedisAvailable() {
	r.redisAvailableMu.Lock()
	r.redisAvailable = true
	r.redisAvailableMu.Unlock()
}
