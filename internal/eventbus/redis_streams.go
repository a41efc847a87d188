package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamsClient is the subset of Redis stream commands the bus uses.
type StreamsClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) (string, error)
	XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error)
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) error
	XLen(ctx context.Context, stream string) (int64, error)
}

// StreamsClientAdapter adapts *redis.Client to StreamsClient.
type StreamsClientAdapter struct {
	Client *redis.Client
}

func (a *StreamsClientAdapter) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	return a.Client.XAdd(ctx, args).Result()
}

func (a *StreamsClientAdapter) XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error) {
	return a.Client.XReadGroup(ctx, args).Result()
}

func (a *StreamsClientAdapter) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return a.Client.XAck(ctx, stream, group, ids...).Result()
}

func (a *StreamsClientAdapter) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	return a.Client.XGroupCreateMkStream(ctx, stream, group, start).Err()
}

func (a *StreamsClientAdapter) XLen(ctx context.Context, stream string) (int64, error) {
	return a.Client.XLen(ctx, stream).Result()
}

// RedisStreamsConfig holds configuration for the Redis Streams event bus.
type RedisStreamsConfig struct {
	StreamKey     string        // Redis stream key name
	ConsumerGroup string        // Consumer group shared by all gateway processes
	ConsumerName  string        // Unique consumer name within the group
	MaxLen        int64         // Approximate stream cap (0 = unlimited)
	BlockTimeout  time.Duration // XREADGROUP block time
	BatchSize     int64
}

// DefaultRedisStreamsConfig returns default configuration.
func DefaultRedisStreamsConfig() RedisStreamsConfig {
	return RedisStreamsConfig{
		StreamKey:     "egregore:events",
		ConsumerGroup: "egregore-notifiers",
		ConsumerName:  "gateway-1",
		MaxLen:        10000,
		BlockTimeout:  2 * time.Second,
		BatchSize:     50,
	}
}

// RedisStreamsEventBus publishes lifecycle events to a Redis stream so that
// exactly one gateway process in a consumer group handles each event.
// Delivery is at least once: entries are acknowledged after hand-off to the
// subscriber channel.
type RedisStreamsEventBus struct {
	client StreamsClient
	config RedisStreamsConfig
	logger *zap.Logger
	stats  busStats

	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	groupCreated atomic.Bool
}

// NewRedisStreamsEventBus creates a new Redis Streams event bus.
func NewRedisStreamsEventBus(client StreamsClient, config RedisStreamsConfig, logger *zap.Logger) *RedisStreamsEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	return &RedisStreamsEventBus{
		client: client,
		config: config,
		logger: logger.With(zap.String("stream", config.StreamKey)),
		stopCh: make(chan struct{}),
	}
}

// EnsureConsumerGroup creates the consumer group if it doesn't exist.
func (b *RedisStreamsEventBus) EnsureConsumerGroup(ctx context.Context) error {
	if b.groupCreated.Load() {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.config.StreamKey, b.config.ConsumerGroup, "0")
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	b.groupCreated.Store(true)
	return nil
}

// Publish appends evt to the stream.
func (b *RedisStreamsEventBus) Publish(ctx context.Context, evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("failed to marshal event", zap.Error(err))
		b.stats.dropped.Add(1)
		return
	}

	args := &redis.XAddArgs{
		Stream: b.config.StreamKey,
		Values: map[string]interface{}{"data": string(data)},
	}
	if b.config.MaxLen > 0 {
		args.MaxLen = b.config.MaxLen
		args.Approx = true
	}
	if _, err := b.client.XAdd(ctx, args); err != nil {
		b.logger.Warn("failed to publish event", zap.String("type", evt.Type), zap.Error(err))
		b.stats.dropped.Add(1)
		return
	}
	b.stats.published.Add(1)
}

// Subscribe starts a consumer goroutine and returns its channel. The
// channel is closed by Stop.
func (b *RedisStreamsEventBus) Subscribe() <-chan Event {
	ch := make(chan Event, b.config.BatchSize)
	b.wg.Add(1)
	go b.consumeLoop(ch)
	return ch
}

func (b *RedisStreamsEventBus) consumeLoop(ch chan Event) {
	defer b.wg.Done()
	defer close(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-b.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := b.EnsureConsumerGroup(ctx); err != nil {
		b.logger.Error("event consumer not started", zap.Error(err))
		return
	}

	// "0" re-reads entries delivered to this consumer but never acknowledged.
	if !b.readBatch(ctx, ch, "0", 0) {
		return
	}
	for {
		if !b.readBatch(ctx, ch, ">", b.config.BlockTimeout) {
			return
		}
	}
}

// readBatch reads and forwards one batch. It returns false once stopped.
func (b *RedisStreamsEventBus) readBatch(ctx context.Context, ch chan Event, start string, block time.Duration) bool {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.config.ConsumerGroup,
		Consumer: b.config.ConsumerName,
		Streams:  []string{b.config.StreamKey, start},
		Count:    b.config.BatchSize,
		Block:    block,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if !errors.Is(err, redis.Nil) {
			b.logger.Warn("failed to read event stream", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			evt, err := parseMessage(msg)
			if err != nil {
				b.logger.Warn("dropping malformed event", zap.String("id", msg.ID), zap.Error(err))
				b.ack(msg.ID)
				continue
			}
			select {
			case ch <- evt:
				b.ack(msg.ID)
			case <-ctx.Done():
				return false
			}
		}
	}
	return true
}

func (b *RedisStreamsEventBus) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.client.XAck(ctx, b.config.StreamKey, b.config.ConsumerGroup, id); err != nil {
		b.logger.Warn("failed to acknowledge event", zap.String("id", id), zap.Error(err))
	}
}

func parseMessage(msg redis.XMessage) (Event, error) {
	var evt Event
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return evt, errors.New("message missing 'data' field")
	}
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return evt, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return evt, nil
}

// Stop ends all consumers and closes their channels.
func (b *RedisStreamsEventBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
	})
}

// Stats returns the number of published and dropped events.
func (b *RedisStreamsEventBus) Stats() (published, dropped int) {
	return int(b.stats.published.Load()), int(b.stats.dropped.Load())
}

// StreamLength returns the current length of the stream.
func (b *RedisStreamsEventBus) StreamLength(ctx context.Context) (int64, error) {
	return b.client.XLen(ctx, b.config.StreamKey)
}
