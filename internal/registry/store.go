// Package registry keeps per-document processing state in memory.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spherical/drawing-ingest/internal/domain"
)

// Store defines the document registry operations.
type Store interface {
	// GetOrCreate returns the record for documentID, creating it from seed when absent.
	// created reports whether seed was inserted.
	GetOrCreate(ctx context.Context, seed domain.DocumentRecord) (rec *domain.DocumentRecord, created bool, err error)

	// Upsert replaces any existing record with fresh state.
	Upsert(ctx context.Context, rec domain.DocumentRecord) error

	// Get returns a copy of the record for documentID.
	Get(ctx context.Context, documentID string) (*domain.DocumentRecord, error)

	// GetBySession returns every record in a session, oldest first.
	GetBySession(ctx context.Context, sessionID string) ([]*domain.DocumentRecord, error)

	// UpdateStatus moves a record along its lifecycle. result may be nil.
	UpdateStatus(ctx context.Context, documentID string, status domain.ProcessingStatus, result *domain.ConversionResult) error

	// Delete removes a single record. Unknown IDs are ignored.
	Delete(ctx context.Context, documentID string) (bool, error)

	// DeleteBySession removes every record in a session and returns the removed IDs.
	DeleteBySession(ctx context.Context, sessionID string) ([]string, error)

	// GetConversionMetrics aggregates the registry.
	GetConversionMetrics(ctx context.Context) (*ConversionMetrics, error)
}

// ConversionMetrics summarises registry state.
type ConversionMetrics struct {
	Total              int                             `json:"total"`
	ByStatus           map[domain.ProcessingStatus]int `json:"by_status"`
	MeanDuration       time.Duration                   `json:"mean_duration"`
	MeanDurationMillis int64                           `json:"mean_duration_ms"`
	ReadyMeasured      int                             `json:"ready_measured"`
}

// MemoryStore is a concurrency-safe in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*domain.DocumentRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*domain.DocumentRecord),
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// GetOrCreate implements Store.
func (s *MemoryStore) GetOrCreate(_ context.Context, seed domain.DocumentRecord) (*domain.DocumentRecord, bool, error) {
	if seed.DocumentID == "" {
		return nil, false, domain.ValidationError("document id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[seed.DocumentID]; ok {
		return cloneRecord(existing), false, nil
	}

	rec := s.stamp(seed)
	s.records[rec.DocumentID] = rec
	return cloneRecord(rec), true, nil
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, rec domain.DocumentRecord) error {
	if rec.DocumentID == "" {
		return domain.ValidationError("document id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.DocumentID] = s.stamp(rec)
	return nil
}

func (s *MemoryStore) stamp(rec domain.DocumentRecord) *domain.DocumentRecord {
	now := s.now()
	if rec.Status == "" {
		rec.Status = domain.StatusUploaded
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return cloneRecord(&rec)
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, documentID string) (*domain.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[documentID]
	if !ok {
		return nil, domain.NotFoundError(fmt.Sprintf("document %s not found", documentID), nil)
	}
	return cloneRecord(rec), nil
}

// GetBySession implements Store.
func (s *MemoryStore) GetBySession(_ context.Context, sessionID string) ([]*domain.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.DocumentRecord, 0)
	for _, rec := range s.records {
		if rec.SessionID == sessionID {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateStatus implements Store. Same-status updates are accepted so callers can attach a
// result without a transition.
func (s *MemoryStore) UpdateStatus(_ context.Context, documentID string, status domain.ProcessingStatus, result *domain.ConversionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[documentID]
	if !ok {
		return domain.NotFoundError(fmt.Sprintf("document %s not found", documentID), nil)
	}

	if rec.Status != status && !rec.Status.CanTransitionTo(status) {
		return domain.ConflictError(
			fmt.Sprintf("invalid status transition for %s: %s -> %s", documentID, rec.Status, status), nil)
	}

	rec.Status = status
	if result != nil {
		r := *result
		rec.Conversion = &r
		if n := len(result.ImagePaths); n > 0 {
			rec.PageCount = n
		}
		if result.Metadata.Checksum != "" {
			rec.Checksum = result.Metadata.Checksum
		}
	}
	rec.UpdatedAt = s.now()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, documentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[documentID]; !ok {
		return false, nil
	}
	delete(s.records, documentID)
	return true, nil
}

// DeleteBySession implements Store.
func (s *MemoryStore) DeleteBySession(_ context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make([]string, 0)
	for id, rec := range s.records {
		if rec.SessionID == sessionID {
			delete(s.records, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

// GetConversionMetrics implements Store with a full scan.
func (s *MemoryStore) GetConversionMetrics(_ context.Context) (*ConversionMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := &ConversionMetrics{
		ByStatus: map[domain.ProcessingStatus]int{
			domain.StatusUploaded:   0,
			domain.StatusProcessing: 0,
			domain.StatusReady:      0,
			domain.StatusError:      0,
		},
	}

	var total time.Duration
	for _, rec := range s.records {
		metrics.Total++
		metrics.ByStatus[rec.Status]++
		if rec.Status == domain.StatusReady && rec.Conversion != nil {
			total += rec.Conversion.Metadata.Duration
			metrics.ReadyMeasured++
		}
	}

	if metrics.ReadyMeasured > 0 {
		metrics.MeanDuration = total / time.Duration(metrics.ReadyMeasured)
		metrics.MeanDurationMillis = metrics.MeanDuration.Milliseconds()
	}
	return metrics, nil
}

func cloneRecord(rec *domain.DocumentRecord) *domain.DocumentRecord {
	out := *rec
	if rec.Metadata != nil {
		out.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			out.Metadata[k] = v
		}
	}
	if rec.Conversion != nil {
		conv := *rec.Conversion
		conv.ImagePaths = append([]string(nil), rec.Conversion.ImagePaths...)
		out.Conversion = &conv
	}
	return &out
}
