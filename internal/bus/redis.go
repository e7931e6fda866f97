package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/matthewcorven/synckit-sub003/internal/logger"
)

// RedisBus is a Bus implementation backed by Redis Pub/Sub, used for
// awareness:{docId} channels. It exists alongside NATSBus to demonstrate
// that the Bus capability boundary is transport-agnostic: the coordination
// core never imports a concrete broker package directly.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an existing client. The client's own connectivity
// handling (pool, retries) governs availability; a nil client yields a
// disabled bus.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, channel string, env Envelope) error {
	if b.client == nil {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.client.Publish(ctx, channel, data).Err()
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler func(Envelope)) (Unsubscribe, error) {
	if b.client == nil {
		return func() {}, nil
	}
	pubsub := b.client.Subscribe(ctx, channel)
	ch := pubsub.Channel()

	go func() {
		for msg := range ch {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Bus().Warn().Err(err).Str("channel", channel).Msg("dropping malformed bus envelope")
				continue
			}
			handler(env)
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}
