// Package notify delivers conversion and cleanup events to interested parties.
// Delivery is best-effort: publishers never block a conversion on a slow consumer.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
)

// Envelope is the wire form of a published event.
type Envelope struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into an envelope stamped with now.
func NewEnvelope(sessionID, eventType string, payload interface{}, now time.Time) (Envelope, error) {
	env := Envelope{SessionID: sessionID, Type: eventType, Timestamp: now}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, domain.NewError(domain.ErrorTypeValidation, "event payload is not serializable", err)
		}
		env.Payload = data
	}
	return env, nil
}

// Subscriber streams the events of one session.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan Envelope, func(), error)
}

// LogPublisher writes every event to the structured log.
type LogPublisher struct {
	logger *observability.Logger
}

// NewLogPublisher creates a publisher that only logs.
func NewLogPublisher(logger *observability.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.WithOperation("notify")}
}

// Publish implements domain.Publisher.
func (p *LogPublisher) Publish(_ context.Context, sessionID, eventType string, payload interface{}) error {
	event := p.logger.Debug()
	if eventType != domain.EventConversionProgress {
		event = p.logger.Info()
	}
	if ev, ok := payload.(domain.ProgressEvent); ok {
		event = event.Str("document_id", ev.DocumentID).Str("stage", string(ev.Stage)).Int("percent", ev.Percent)
		if ev.ErrorKind != "" {
			event = event.Str("error_kind", string(ev.ErrorKind))
		}
	}
	event.Str("session_id", sessionID).Str("event", eventType).Msg("Event published")
	return nil
}

// Multi fans an event out to several publishers. Every publisher is attempted; failures
// are joined.
type Multi []domain.Publisher

// Publish implements domain.Publisher.
func (m Multi) Publish(ctx context.Context, sessionID, eventType string, payload interface{}) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, sessionID, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
