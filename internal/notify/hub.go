package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spherical/drawing-ingest/internal/observability"
)

const defaultHubBuffer = 64

// Hub is an in-process publisher with per-session subscribers, used to feed websocket
// clients connected to this instance.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan Envelope
	nextID  int
	buffer  int
	dropped atomic.Int64
	now     func() time.Time
	logger  *observability.Logger
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int, logger *observability.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	return &Hub{
		subs:   make(map[string]map[int]chan Envelope),
		buffer: buffer,
		now:    time.Now,
		logger: logger.WithOperation("notify-hub"),
	}
}

// Publish implements domain.Publisher. Events for a subscriber whose buffer is full are
// dropped and counted.
func (h *Hub) Publish(_ context.Context, sessionID, eventType string, payload interface{}) error {
	env, err := NewEnvelope(sessionID, eventType, payload, h.now())
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[sessionID] {
		select {
		case ch <- env:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe implements Subscriber. The channel is closed when ctx ends or cancel is called.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (<-chan Envelope, func(), error) {
	ch := make(chan Envelope, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]chan Envelope)
	}
	h.subs[sessionID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[sessionID], id)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(ch)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	h.logger.Debug().Str("session_id", sessionID).Msg("Subscriber attached")
	return ch, cancel, nil
}

// Subscribers returns the number of live subscribers for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Dropped returns how many events were discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
