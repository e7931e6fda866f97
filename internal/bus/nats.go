package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/matthewcorven/synckit-sub003/internal/logger"
)

// NATSConfig configures the NATS-backed Bus.
type NATSConfig struct {
	URL      string
	User     string
	Password string
}

// NATSBus is the primary Bus implementation, used for doc:{docId} channels.
// When URL is empty or the broker is unreachable, it degrades to a disabled
// bus: Publish is a no-op and Subscribe registers nothing, matching the
// source's graceful-disable behavior rather than failing startup.
type NATSBus struct {
	conn    *nats.Conn
	enabled bool
}

// NewNATSBus connects to the broker, or returns a disabled bus if
// unconfigured/unreachable.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	log := logger.Bus()
	if cfg.URL == "" {
		log.Warn().Msg("NATS_URL not configured, bus publish/subscribe disabled")
		return &NATSBus{enabled: false}, nil
	}

	opts := []nats.Option{
		nats.Name("sync-server"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("nats error")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.URL).Msg("failed to connect to nats, bus disabled")
		return &NATSBus{enabled: false}, nil
	}
	log.Info().Str("url", conn.ConnectedUrl()).Msg("connected to nats")
	return &NATSBus{conn: conn, enabled: true}, nil
}

// Publish implements Bus.
func (b *NATSBus) Publish(_ context.Context, channel string, env Envelope) error {
	if !b.enabled {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.conn.Publish(channel, data)
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(_ context.Context, channel string, handler func(Envelope)) (Unsubscribe, error) {
	if !b.enabled {
		return func() {}, nil
	}
	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logger.Bus().Warn().Err(err).Str("channel", channel).Msg("dropping malformed bus envelope")
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains and closes the connection.
func (b *NATSBus) Close() {
	if b.enabled {
		b.conn.Drain()
	}
}
