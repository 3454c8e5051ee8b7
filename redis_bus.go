package durable

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

// RedisEventBus implements EventBus on Redis pub/sub. Delivery is
// best-effort: a subscriber that connects after a publish never sees the
// event, which is why waiters always keep a polling fallback.
type RedisEventBus struct {
	client *redis.Client
	logger Logger
}

// NewRedisEventBus creates a Redis-backed event bus. The client may be
// shared and is not closed by the bus.
func NewRedisEventBus(client *redis.Client, logger Logger) *RedisEventBus {
	return &RedisEventBus{
		client: client,
		logger: componentLogger(logger, "engine/redis-bus"),
	}
}

// Publish sends the event to current subscribers of the channel.
func (b *RedisEventBus) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return NewEngineError("redisbus.Publish", "serialization", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return NewEngineError("redisbus.Publish", "store", err)
	}
	return nil
}

// Subscribe opens a subscription and pumps decoded events until the
// cleanup function is called or ctx is cancelled.
func (b *RedisEventBus) Subscribe(ctx context.Context, channel string) (<-chan *Event, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	pubsub := b.client.Subscribe(subCtx, channel)

	// Wait for subscription confirmation so a publish immediately after
	// Subscribe returns is not lost.
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, nil, NewEngineError("redisbus.Subscribe", "store", err)
	}

	events := make(chan *Event, 16)

	go func() {
		defer func() {
			_ = pubsub.Close()
			close(events)
		}()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("Failed to decode bus event", map[string]interface{}{
						"channel": channel,
						"error":   err.Error(),
					})
					continue
				}

				select {
				case events <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return events, cancel, nil
}

// Compile-time interface compliance check
var _ EventBus = (*RedisEventBus)(nil)
