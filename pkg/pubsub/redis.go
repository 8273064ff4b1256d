package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mossnet/chatsync/pkg/chatsync"
)

// Redis broadcasts lock changes over a Redis pub/sub channel, for
// client instances sharing a Redis (e.g. multiple devices behind one
// household hub).
type Redis struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedis connects a Redis-backed broadcast adapter.
func NewRedis(addr, channel string, logger zerolog.Logger) *Redis {
	return &Redis{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		logger:  logger.With().Str("component", "pubsub_redis").Str("channel", channel).Logger(),
	}
}

func (r *Redis) Publish(ctx context.Context, change chatsync.LockChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, handler func(chatsync.LockChange)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	// Force the subscription to be established before returning so a
	// change published immediately after AttachPort isn't missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			var change chatsync.LockChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				r.logger.Warn().Err(err).Msg("Bad lock change payload on Redis channel")
				continue
			}
			handler(change)
		}
	}()
	return nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error { return r.client.Close() }
