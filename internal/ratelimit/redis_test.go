package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiter_Budget(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)

	cfg := DefaultRedisLimiterConfig()
	l := NewRedisLimiter(client, cfg)

	for i := 0; i < 120; i++ {
		d, err := l.Allow(ctx, "alpha")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}

	d, err := l.Allow(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 120, d.Count)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
	assert.True(t, l.IsRedisAvailable())

	u, err := l.Usage(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 120, u.Count)
	assert.Equal(t, 0, u.Remaining)

	require.NoError(t, l.Reset(ctx, "alpha"))
	d, err = l.Allow(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_WindowSlides(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)

	now := time.Unix(1_700_000_000, 0)
	l := NewRedisLimiter(client, RedisLimiterConfig{KeyPrefix: "rl:", MaxRequests: 2, Window: 10 * time.Second})
	l.now = func() time.Time { return now }

	d, _ := l.Allow(ctx, "alpha")
	assert.True(t, d.Allowed)
	now = now.Add(4 * time.Second)
	d, _ = l.Allow(ctx, "alpha")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "alpha")
	assert.False(t, d.Allowed)
	assert.Equal(t, 6*time.Second, d.RetryAfter)

	now = now.Add(6 * time.Second)
	d, err := l.Allow(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Count)
}

func TestRedisLimiter_HashedKeys(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)

	cfg := DefaultRedisLimiterConfig()
	cfg.KeyHashSecret = []byte("s3cret")
	l := NewRedisLimiter(client, cfg)

	_, err := l.Allow(ctx, "alpha")
	require.NoError(t, err)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], cfg.KeyPrefix))
	assert.NotContains(t, keys[0], "alpha")
	assert.Equal(t, cfg.KeyPrefix+hashKey("alpha", cfg.KeyHashSecret), keys[0])
}

func TestRedisLimiter_Fallback(t *testing.T) {
	ctx := context.Background()

	t.Run("falls back to memory when redis is down", func(t *testing.T) {
		mr, client := newTestRedis(t)
		l := NewRedisLimiter(client, RedisLimiterConfig{MaxRequests: 1, Window: time.Minute, EnableFallback: true})
		mr.Close()

		d, err := l.Allow(ctx, "alpha")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, l.IsRedisAvailable())

		d, err = l.Allow(ctx, "alpha")
		require.NoError(t, err)
		assert.False(t, d.Allowed, "fallback enforces the same budget")

		assert.Error(t, l.CheckRedisHealth(ctx))
	})

	t.Run("errors without fallback", func(t *testing.T) {
		mr, client := newTestRedis(t)
		l := NewRedisLimiter(client, RedisLimiterConfig{MaxRequests: 1, Window: time.Minute})
		mr.Close()

		_, err := l.Allow(ctx, "alpha")
		assert.ErrorIs(t, err, ErrRedisUnavailable)
		_, err = l.Usage(ctx, "alpha")
		assert.ErrorIs(t, err, ErrRedisUnavailable)
	})

	t.Run("health check restores redis", func(t *testing.T) {
		mr, client := newTestRedis(t)
		l := NewRedisLimiter(client, RedisLimiterConfig{MaxRequests: 5, Window: time.Minute, EnableFallback: true})
		l.markRedisUnavailable()

		require.NoError(t, l.CheckRedisHealth(ctx))
		assert.True(t, l.IsRedisAvailable())

		_, err := l.Allow(ctx, "alpha")
		require.NoError(t, err)
		assert.Len(t, mr.Keys(), 1)
	})
}
