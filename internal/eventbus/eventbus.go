// Package eventbus carries tenant lifecycle events (provisioned, joined,
// invite accepted) from the onboarding flows to background subscribers
// such as the group notifier.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeTenantProvisioned = "tenant.provisioned"
	TypeTenantJoined      = "tenant.joined"
	TypeInviteAccepted    = "invite.accepted"
)

// Event is one lifecycle event. It never carries keys or tokens.
type Event struct {
	Type    string            `json:"type"`
	Tenant  string            `json:"tenant"`
	Actor   string            `json:"actor"`
	Time    time.Time         `json:"time"`
	Details map[string]string `json:"details,omitempty"`
}

// EventBus is a simple interface for publishing events to subscribers.
type EventBus interface {
	Publish(ctx context.Context, evt Event)
	Subscribe() <-chan Event
	Stop()
}

type busStats struct {
	published atomic.Int64
	dropped   atomic.Int64
}

// InMemoryEventBus fans each event out to every subscriber. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type InMemoryEventBus struct {
	bufferSize int
	stats      busStats

	mu      sync.RWMutex
	subs    []chan Event
	stopped bool
}

// NewInMemoryEventBus creates a new in-memory event bus with the given
// per-subscriber buffer size.
func NewInMemoryEventBus(bufferSize int) *InMemoryEventBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &InMemoryEventBus{bufferSize: bufferSize}
}

// Publish delivers evt to all current subscribers.
func (b *InMemoryEventBus) Publish(_ context.Context, evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		b.stats.dropped.Add(1)
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.stats.dropped.Add(1)
		}
	}
	b.stats.published.Add(1)
}

// Subscribe returns a new channel receiving every event published after the
// call. The channel is closed by Stop.
func (b *InMemoryEventBus) Subscribe() <-chan Event {
	ch := make(chan Event, b.bufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Stop closes all subscriber channels. It is safe to call more than once.
func (b *InMemoryEventBus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Stats returns the number of published and dropped events.
func (b *InMemoryEventBus) Stats() (published, dropped int) {
	return int(b.stats.published.Load()), int(b.stats.dropped.Load())
}
