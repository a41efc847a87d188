package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a process-local sliding-window limiter. Timestamps are
// read from the monotonic clock, so wall-clock adjustments do not move
// requests in or out of a window.
type MemoryLimiter struct {
	max    int
	window time.Duration
	now    func() time.Duration

	mu          sync.Mutex
	entries     map[string][]time.Duration
	lastCompact time.Duration
}

// NewMemoryLimiter creates a limiter allowing max requests per window.
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	if max <= 0 {
		max = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	start := time.Now()
	return &MemoryLimiter{
		max:     max,
		window:  window,
		now:     func() time.Duration { return time.Since(start) },
		entries: make(map[string][]time.Duration),
	}
}

// Allow implements Limiter.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybeCompact(now)

	ts := prune(m.entries[key], now-m.window)
	d := Decision{Max: m.max, Window: m.window}
	if len(ts) >= m.max {
		m.entries[key] = ts
		d.Count = len(ts)
		d.RetryAfter = ts[0] + m.window - now
		return d, nil
	}

	ts = append(ts, now)
	m.entries[key] = ts
	d.Allowed = true
	d.Count = len(ts)
	return d, nil
}

// Usage implements Limiter.
func (m *MemoryLimiter) Usage(_ context.Context, key string) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := prune(m.entries[key], m.now()-m.window)
	return usageOf(len(ts), m.max, m.window), nil
}

// Reset implements Limiter.
func (m *MemoryLimiter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Tracked returns the number of keys currently holding timestamps.
func (m *MemoryLimiter) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// maybeCompact prunes every key and drops the empty ones, at most once per
// window. Caller holds m.mu.
func (m *MemoryLimiter) maybeCompact(now time.Duration) {
	if now-m.lastCompact < m.window {
		return
	}
	m.lastCompact = now
	cutoff := now - m.window
	for key, ts := range m.entries {
		ts = prune(ts, cutoff)
		if len(ts) == 0 {
			delete(m.entries, key)
			continue
		}
		m.entries[key] = ts
	}
}

// prune drops timestamps at or before cutoff. ts is ordered.
func prune(ts []time.Duration, cutoff time.Duration) []time.Duration {
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
