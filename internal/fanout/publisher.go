package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultEventChannel is the Redis pub/sub channel sync events go to
const DefaultEventChannel = "docqueue:events"

// RedisPublisher is a synchronizer sink that republishes events on Redis.
// Deliver only enqueues; Run does the network calls.
type RedisPublisher struct {
	client  redis.Cmdable
	channel string
	queue   chan types.SyncEvent
	logger  zerolog.Logger

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewRedisPublisher creates a publisher with a buffer of bufferSize events
func NewRedisPublisher(client redis.Cmdable, channel string, bufferSize int, logger zerolog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		queue:   make(chan types.SyncEvent, bufferSize),
		logger:  logger.With().Str("component", "redis_publisher").Logger(),
	}
}

// Deliver enqueues ev without blocking. Events are dropped when the
// buffer is full; subscribers recover through resync.
func (p *RedisPublisher) Deliver(ev types.SyncEvent) {
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Run forwards queued events until ctx ends
func (p *RedisPublisher) Run(ctx context.Context) {
	p.logger.Info().Str("channel", p.channel).Msg("redis publisher started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().
				Int64("published", p.published.Load()).
				Int64("dropped", p.dropped.Load()).
				Msg("redis publisher stopped")
			return

		case ev := <-p.queue:
			if err := p.publish(ctx, ev); err != nil {
				p.failed.Add(1)
				p.logger.Warn().Err(err).Uint64("sequence", ev.Sequence).Msg("failed to forward event")
			}
		}
	}
}

func (p *RedisPublisher) publish(ctx context.Context, ev types.SyncEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	p.published.Add(1)
	return nil
}

// Stats returns published, dropped and failed counts
func (p *RedisPublisher) Stats() (published, dropped, failed int64) {
	return p.published.Load(), p.dropped.Load(), p.failed.Load()
}
