package conversion

import (
	"context"
	"sync"
	"time"

	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
)

const defaultEventBuffer = 64

// Percent bands for each stage.
const (
	percentConvertStart = 5
	percentConvertSpan  = 80
	percentStoring      = 90
	percentComplete     = 100
)

// Tracker orders the progress events of one conversion and fans them out. Stages never move
// backwards, percent never decreases, and nothing is accepted after a terminal event.
type Tracker struct {
	documentID string
	sessionID  string
	publisher  domain.Publisher
	logger     *observability.Logger
	now        func() time.Time
	buffer     int

	mu      sync.Mutex
	history []domain.ProgressEvent
	subs    map[int]chan domain.ProgressEvent
	nextSub int
	closed  bool
}

func newTracker(sessionID, documentID string, publisher domain.Publisher, buffer int, now func() time.Time, logger *observability.Logger) *Tracker {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Tracker{
		documentID: documentID,
		sessionID:  sessionID,
		publisher:  publisher,
		logger:     logger,
		now:        now,
		buffer:     buffer,
		subs:       make(map[int]chan domain.ProgressEvent),
	}
}

// Emit records ev and delivers it. It returns false when ev would break ordering.
func (t *Tracker) Emit(ev domain.ProgressEvent) bool {
	t.mu.Lock()
	if t.closed || ev.Stage.Rank() < 0 {
		t.mu.Unlock()
		return false
	}

	if n := len(t.history); n > 0 {
		last := t.history[n-1]
		switch {
		case ev.Stage.Rank() < last.Stage.Rank():
			t.mu.Unlock()
			return false
		case ev.Stage.Rank() == last.Stage.Rank() && ev.Stage != domain.StageConverting:
			t.mu.Unlock()
			return false
		}
		if ev.Percent < last.Percent {
			ev.Percent = last.Percent
		}
	}
	if ev.Stage == domain.StageConverting {
		ev.Percent = clamp(ev.Percent, 1, 99)
	}
	if ev.Stage == domain.StageComplete {
		ev.Percent = percentComplete
	}

	ev.DocumentID = t.documentID
	ev.SessionID = t.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}
	t.history = append(t.history, ev)

	for _, ch := range t.subs {
		deliver(ch, ev)
	}
	if ev.Stage.Terminal() {
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
	t.mu.Unlock()

	t.publish(ev)
	return true
}

// deliver never blocks. Progress events are dropped for a slow subscriber; a terminal event
// evicts the oldest buffered event to make room.
func deliver(ch chan domain.ProgressEvent, ev domain.ProgressEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		if !ev.Stage.Terminal() {
			return
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (t *Tracker) publish(ev domain.ProgressEvent) {
	if t.publisher == nil {
		return
	}

	eventType := domain.EventConversionProgress
	switch ev.Stage {
	case domain.StageComplete:
		eventType = domain.EventConversionComplete
	case domain.StageError:
		eventType = domain.EventConversionError
	}

	if err := t.publisher.Publish(context.Background(), t.sessionID, eventType, ev); err != nil {
		t.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish progress event")
	}
}

// Subscribe returns a channel that replays the history so far and then receives live
// events. The channel is closed after the terminal event. cancel detaches early.
func (t *Tracker) Subscribe() (<-chan domain.ProgressEvent, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.buffer
	if len(t.history) >= size {
		size = len(t.history) + 1
	}
	ch := make(chan domain.ProgressEvent, size)
	for _, ev := range t.history {
		ch <- ev
	}

	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// History returns every accepted event in order.
func (t *Tracker) History() []domain.ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.ProgressEvent, len(t.history))
	copy(out, t.history)
	return out
}

// Last returns the most recent event.
func (t *Tracker) Last() (domain.ProgressEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.history) == 0 {
		return domain.ProgressEvent{}, false
	}
	return t.history[len(t.history)-1], true
}

// convertingPercent maps rendered pages onto the converting band.
func convertingPercent(done, total int) int {
	if total <= 0 {
		return percentConvertStart
	}
	return percentConvertStart + percentConvertSpan*done/total
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
