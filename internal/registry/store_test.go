package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, created, err := s.GetOrCreate(ctx, domain.DocumentRecord{DocumentID: "d1", SessionID: "s1", Filename: "a.pdf"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.StatusUploaded, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())

	again, created, err := s.GetOrCreate(ctx, domain.DocumentRecord{DocumentID: "d1", SessionID: "other"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "s1", again.SessionID)

	_, _, err = s.GetOrCreate(ctx, domain.DocumentRecord{})
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}

func TestMemoryStore_GetOrCreateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	creations := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.GetOrCreate(ctx, domain.DocumentRecord{DocumentID: "same", SessionID: "s"})
			if err == nil && created {
				mu.Lock()
				creations++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, creations)
}

func TestMemoryStore_StatusTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		path    []domain.ProcessingStatus
		wantErr bool
	}{
		{"happy path", []domain.ProcessingStatus{domain.StatusProcessing, domain.StatusReady}, false},
		{"error path", []domain.ProcessingStatus{domain.StatusProcessing, domain.StatusError}, false},
		{"skip processing", []domain.ProcessingStatus{domain.StatusReady}, true},
		{"ready is terminal", []domain.ProcessingStatus{domain.StatusProcessing, domain.StatusReady, domain.StatusProcessing}, true},
		{"error is terminal", []domain.ProcessingStatus{domain.StatusProcessing, domain.StatusError, domain.StatusReady}, true},
		{"back to uploaded", []domain.ProcessingStatus{domain.StatusProcessing, domain.StatusUploaded}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryStore()
			require.NoError(t, s.Upsert(ctx, domain.DocumentRecord{DocumentID: "d", SessionID: "s"}))

			var err error
			for _, status := range tt.path {
				if err = s.UpdateStatus(ctx, "d", status, nil); err != nil {
					break
				}
			}
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, domain.IsType(err, domain.ErrorTypeConflict))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryStore_UpsertResetsState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Upsert(ctx, domain.DocumentRecord{DocumentID: "d", SessionID: "s"}))
	require.NoError(t, s.UpdateStatus(ctx, "d", domain.StatusProcessing, nil))
	require.NoError(t, s.UpdateStatus(ctx, "d", domain.StatusError, nil))

	require.NoError(t, s.Upsert(ctx, domain.DocumentRecord{DocumentID: "d", SessionID: "s"}))
	rec, err := s.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, rec.Status)
	assert.NoError(t, s.UpdateStatus(ctx, "d", domain.StatusProcessing, nil))
}

func TestMemoryStore_UpdateStatusAttachesResult(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Upsert(ctx, domain.DocumentRecord{DocumentID: "d", SessionID: "s"}))
	require.NoError(t, s.UpdateStatus(ctx, "d", domain.StatusProcessing, nil))

	result := &domain.ConversionResult{
		Success:    true,
		ImagePaths: []string{"p1", "p2"},
		Metadata:   domain.ConversionMetadata{Checksum: "abc", Duration: time.Second},
	}
	require.NoError(t, s.UpdateStatus(ctx, "d", domain.StatusReady, result))

	rec, err := s.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.PageCount)
	assert.Equal(t, "abc", rec.Checksum)
	require.NotNil(t, rec.Conversion)

	// Returned records are copies.
	rec.Conversion.ImagePaths[0] = "mutated"
	fresh, err := s.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "p1", fresh.Conversion.ImagePaths[0])
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))

	err = s.UpdateStatus(ctx, "missing", domain.StatusProcessing, nil)
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))
}

func TestMemoryStore_SessionOperations(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})

	require.NoError(t, s.Upsert(ctx, domain.DocumentRecord{DocumentID: "b", SessionID: "s1"}))
	require.NoError(t, s.Upsert(ctx, domain.DocumentRecord{DocumentID: "a", SessionID: "s1"}))
	require.NoError(t, s.Upsert(ctx, domain.DocumentRecord{DocumentID: "c", SessionID: "s2"}))

	recs, err := s.GetBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].DocumentID, "oldest first")
	assert.Equal(t, "a", recs[1].DocumentID)

	removed, err := s.DeleteBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, removed)

	removed, err = s.DeleteBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, removed)

	_, err = s.Get(ctx, "c")
	assert.NoError(t, err, "other sessions are untouched")
}

func TestMemoryStore_GetConversionMetrics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ready := func(id string, d time.Duration) {
		require.NoError(t, s.Upsert(ctx, domain.DocumentRecord{DocumentID: id, SessionID: "s"}))
		require.NoError(t, s.UpdateStatus(ctx, id, domain.StatusProcessing, nil))
		require.NoError(t, s.UpdateStatus(ctx, id, domain.StatusReady, &domain.ConversionResult{
			Success:  true,
			Metadata: domain.ConversionMetadata{Duration: d},
		}))
	}
	ready("r1", 2*time.Second)
	ready("r2", 4*time.Second)

	require.NoError(t, s.Upsert(ctx, domain.DocumentRecord{DocumentID: "u1", SessionID: "s"}))
	require.NoError(t, s.Upsert(ctx, domain.DocumentRecord{DocumentID: "e1", SessionID: "s"}))
	require.NoError(t, s.UpdateStatus(ctx, "e1", domain.StatusProcessing, nil))
	require.NoError(t, s.UpdateStatus(ctx, "e1", domain.StatusError, nil))

	m, err := s.GetConversionMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Total)
	assert.Equal(t, 2, m.ByStatus[domain.StatusReady])
	assert.Equal(t, 1, m.ByStatus[domain.StatusUploaded])
	assert.Equal(t, 1, m.ByStatus[domain.StatusError])
	assert.Equal(t, 0, m.ByStatus[domain.StatusProcessing])
	assert.Equal(t, 3*time.Second, m.MeanDuration)
	assert.Equal(t, int64(3000), m.MeanDurationMillis)
}
