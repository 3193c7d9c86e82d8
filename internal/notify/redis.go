package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
)

const defaultChannelPrefix = "events:"

// PubSub is the part of cache.RedisClient used for event delivery.
type PubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// RedisPublisher publishes events on one Redis channel per session so every API instance
// can serve a session's websocket clients.
type RedisPublisher struct {
	client PubSub
	prefix string
	now    func() time.Time
	logger *observability.Logger
}

// NewRedisPublisher creates a publisher over client. Channels are prefix + session ID.
func NewRedisPublisher(client PubSub, prefix string, logger *observability.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		now:    time.Now,
		logger: logger.WithOperation("notify-redis"),
	}
}

// Channel returns the Redis channel for sessionID.
func (p *RedisPublisher) Channel(sessionID string) string {
	return p.prefix + sessionID
}

// Publish implements domain.Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, sessionID, eventType string, payload interface{}) error {
	env, err := NewEnvelope(sessionID, eventType, payload, p.now())
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.Channel(sessionID), env); err != nil {
		return domain.ResourceError("failed to publish event", err)
	}
	return nil
}

// Subscribe implements Subscriber by decoding envelopes from the session channel.
func (p *RedisPublisher) Subscribe(ctx context.Context, sessionID string) (<-chan Envelope, func(), error) {
	raw, cancel, err := p.client.Subscribe(ctx, p.Channel(sessionID))
	if err != nil {
		return nil, nil, domain.ResourceError("failed to subscribe to session events", err)
	}

	out := make(chan Envelope, defaultHubBuffer)
	go func() {
		defer close(out)
		for data := range raw {
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				p.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Skipping malformed event")
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}
