// Package ratelimit implements the per-tenant sliding-window limiter that
// guards the graph query endpoints.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRedisUnavailable is returned when Redis is unavailable and fallback is disabled
	ErrRedisUnavailable = errors.New("redis unavailable for rate limiting")
)

const (
	DefaultMaxRequests = 120
	DefaultWindow      = 60 * time.Second
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Count is the number of requests in the window, including this one when
	// it was allowed.
	Count int
	Max   int
	// Window is the sliding window length.
	Window time.Duration
	// RetryAfter is how long until the oldest request leaves the window.
	// Zero when allowed.
	RetryAfter time.Duration
}

// Usage is a read-only view of a key's window.
type Usage struct {
	Count     int           `json:"count"`
	Max       int           `json:"max"`
	Remaining int           `json:"remaining"`
	Window    time.Duration `json:"window_ns"`
}

// Limiter decides whether a request for key fits in its window.
type Limiter interface {
	// Allow records the request when it fits and reports the decision.
	Allow(ctx context.Context, key string) (Decision, error)
	// Usage reports the current window without recording anything.
	Usage(ctx context.Context, key string) (Usage, error)
	// Reset forgets all requests recorded for key.
	Reset(ctx context.Context, key string) error
}

func usageOf(count, max int, window time.Duration) Usage {
	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Count: count, Max: max, Remaining: remaining, Window: window}
}
