package conversion

import (
	"context"
	"sync"

	"github.com/spherical/drawing-ingest/internal/domain"
)

// Conversion is the handle for one running or finished conversion.
type Conversion struct {
	DocumentID string
	SessionID  string

	tracker *Tracker
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	result  *domain.ConversionResult
}

func newConversion(sessionID, documentID string, tracker *Tracker) *Conversion {
	return &Conversion{
		DocumentID: documentID,
		SessionID:  sessionID,
		tracker:    tracker,
		cancel:     func() {},
		done:       make(chan struct{}),
	}
}

func (c *Conversion) finish(result *domain.ConversionResult) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Done is closed once the result is available.
func (c *Conversion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the conversion finishes or ctx is done.
func (c *Conversion) Wait(ctx context.Context) (*domain.ConversionResult, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome, or nil while the conversion is running.
func (c *Conversion) Result() *domain.ConversionResult {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

// Subscribe replays the events so far and follows live ones.
func (c *Conversion) Subscribe() (<-chan domain.ProgressEvent, func()) {
	return c.tracker.Subscribe()
}

// Events returns the accepted events in order.
func (c *Conversion) Events() []domain.ProgressEvent {
	return c.tracker.History()
}

// Last returns the most recent event.
func (c *Conversion) Last() (domain.ProgressEvent, bool) {
	return c.tracker.Last()
}

// inflight indexes running conversions by document ID.
type inflight struct {
	mu sync.Mutex
	m  map[string]*Conversion
}

func newInflight() *inflight {
	return &inflight{m: make(map[string]*Conversion)}
}

// getOrCreate returns the running conversion for documentID, or registers the one built by
// create. joined reports whether an existing conversion was returned.
func (r *inflight) getOrCreate(documentID string, create func() *Conversion) (conv *Conversion, joined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.m[documentID]; ok {
		return existing, true
	}
	conv = create()
	r.m[documentID] = conv
	return conv, false
}

func (r *inflight) remove(documentID string, conv *Conversion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m[documentID] == conv {
		delete(r.m, documentID)
	}
}

func (r *inflight) get(documentID string) (*Conversion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.m[documentID]
	return c, ok
}

func (r *inflight) bySession(sessionID string) []*Conversion {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Conversion
	for _, c := range r.m {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

func (r *inflight) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// renderWatchers lists the trackers waiting on each shared render.
type renderWatchers struct {
	mu sync.Mutex
	m  map[string]map[*Tracker]struct{}
}

func newRenderWatchers() *renderWatchers {
	return &renderWatchers{m: make(map[string]map[*Tracker]struct{})}
}

// add registers t for key and returns the function that removes it.
func (w *renderWatchers) add(key string, t *Tracker) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.m[key]
	if !ok {
		set = make(map[*Tracker]struct{})
		w.m[key] = set
	}
	set[t] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.m[key], t)
			if len(w.m[key]) == 0 {
				delete(w.m, key)
			}
		})
	}
}

func (w *renderWatchers) emit(key string, ev domain.ProgressEvent) {
	w.mu.Lock()
	targets := make([]*Tracker, 0, len(w.m[key]))
	for t := range w.m[key] {
		targets = append(targets, t)
	}
	w.mu.Unlock()

	for _, t := range targets {
		t.Emit(ev)
	}
}
