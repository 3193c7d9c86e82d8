package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spherical/drawing-ingest/internal/cache"
	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
	"github.com/spherical/drawing-ingest/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	manager   *Manager
	meta      *cache.MemoryClient
	convCache *cache.MemoryClient
	records   *registry.MemoryStore
	clock     *testClock
	root      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()
	fsys, err := NewLocalFS(root)
	require.NoError(t, err)

	clock := &testClock{now: time.Now()}
	h := &harness{
		meta:      cache.NewMemoryClient(0),
		convCache: cache.NewMemoryClient(0),
		records:   registry.NewMemoryStore(),
		clock:     clock,
		root:      root,
	}

	h.manager, err = NewManager(fsys, h.meta, DefaultConfig(), observability.Nop(),
		WithClock(clock.Now),
		WithRecordStore(h.records),
		WithConversionCache(h.convCache),
	)
	require.NoError(t, err)
	return h
}

func pages(n int) []domain.RenderedPage {
	out := make([]domain.RenderedPage, n)
	for i := range out {
		out[i] = domain.RenderedPage{PageNumber: i + 1, Data: []byte{byte(i), 0xff, 0xd8}, Width: 100, Height: 50}
	}
	return out
}

func (h *harness) seedDocument(t *testing.T, sessionID, documentID string, pageCount int) *domain.ConvertedImages {
	t.Helper()
	ctx := context.Background()

	_, err := h.manager.StoreTemporary(ctx, TempUpload{
		DocumentID:  documentID,
		SessionID:   sessionID,
		Filename:    documentID + ".pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.4 test body"),
	})
	require.NoError(t, err)

	require.NoError(t, h.records.Upsert(ctx, domain.DocumentRecord{DocumentID: documentID, SessionID: sessionID}))

	record, _, err := h.manager.StoreConvertedImages(ctx, sessionID, documentID, domain.FormatJPEG, pages(pageCount))
	require.NoError(t, err)
	return record
}

func TestManager_StoreTemporaryAndGetFileInfo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := []byte("%PDF-1.7 payload")

	file, err := h.manager.StoreTemporary(ctx, TempUpload{
		DocumentID:  "doc-1",
		SessionID:   "sess-1",
		Filename:    "panel.pdf",
		ContentType: "application/pdf",
		Data:        data,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.root, "uploads", "sess-1", "doc-1.pdf"), file.Path)
	assert.Equal(t, domain.ContentChecksum(data), file.Checksum)
	assert.Equal(t, 24*time.Hour, file.ExpiresAt.Sub(file.CreatedAt))

	onDisk, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	info, err := h.manager.GetFileInfo(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "panel.pdf", info.OriginalName)

	h.clock.Advance(25 * time.Hour)
	_, err = h.manager.GetFileInfo(ctx, "doc-1")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))
}

func TestManager_RejectsUnsafeIdentifiers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"", "../etc", "a/b", ".hidden"} {
		_, err := h.manager.StoreTemporary(ctx, TempUpload{DocumentID: id, SessionID: "s", Data: []byte("x")})
		assert.True(t, domain.IsType(err, domain.ErrorTypeValidation), "id %q", id)
	}
}

func TestManager_StoreConvertedImagesKeepsPageOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	record := h.seedDocument(t, "s1", "d1", 12)
	require.Len(t, record.ImagePaths, 12)
	for i, p := range record.ImagePaths {
		assert.Equal(t, filepath.Join(h.root, "converted", "s1", "d1", pageName(i+1)), p)
		assert.FileExists(t, p)
	}
	assert.Equal(t, int64(12*3), record.TotalSize)

	got, err := h.manager.GetConvertedImages(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, record.ImagePaths, got.ImagePaths)
}

func pageName(n int) string {
	return fmt.Sprintf("page_%03d.jpg", n)
}

func TestManager_GetConvertedImagesValidatesLazily(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	record := h.seedDocument(t, "s1", "d1", 2)
	require.NoError(t, os.Remove(record.ImagePaths[1]))

	_, err := h.manager.GetConvertedImages(ctx, "d1")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))

	_, err = h.meta.Get(ctx, imagesKeyPrefix+"d1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "stale record is dropped")
}

func TestManager_AdoptImagesSurvivesOwnerCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.seedDocument(t, "owner", "d1", 3)
	src := make([]domain.PageImage, len(owner.ImagePaths))
	for i, p := range owner.ImagePaths {
		src[i] = domain.PageImage{PageNumber: i + 1, Path: p, Size: 3}
	}

	adopted, images, err := h.manager.AdoptImages(ctx, "reuser", "d2", src)
	require.NoError(t, err)
	require.Len(t, images, 3)
	assert.Equal(t, filepath.Join(h.root, "converted", "reuser", "d2", "page_001.jpg"), adopted.ImagePaths[0])

	_, err = h.manager.CleanupSession(ctx, "owner")
	require.NoError(t, err)

	got, err := h.manager.GetConvertedImages(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, adopted.ImagePaths, got.ImagePaths)
}

func TestManager_CleanupSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedDocument(t, "s1", "a", 2)
	h.seedDocument(t, "s1", "b", 1)
	keep := h.seedDocument(t, "s2", "c", 1)

	require.NoError(t, h.convCache.Set(ctx, "conv:abc:200-jpeg-85", []byte("{}"), time.Hour))
	require.NoError(t, h.manager.TrackCacheKey(ctx, "s1", "conv:abc:200-jpeg-85"))

	job, err := h.manager.CleanupSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierSession, job.Tier)
	assert.Equal(t, []string{"a", "b"}, job.DocumentIDs)
	assert.Equal(t, 5, job.FilesRemoved, "2 uploads + 3 images")
	assert.Equal(t, 2, job.RecordsRemoved)
	// upload:a images:a upload:b images:b, the conversion entry and the session index
	assert.Equal(t, 6, job.CacheEntriesRemoved)
	assert.Empty(t, job.Errors)
	assert.False(t, job.CompletedAt.IsZero())

	assert.NoDirExists(t, filepath.Join(h.root, "uploads", "s1"))
	assert.NoDirExists(t, filepath.Join(h.root, "converted", "s1"))
	_, err = h.records.Get(ctx, "a")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))
	_, err = h.convCache.Get(ctx, "conv:abc:200-jpeg-85")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	// Unrelated sessions are untouched.
	got, err := h.manager.GetConvertedImages(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, keep.ImagePaths, got.ImagePaths)
	_, err = h.records.Get(ctx, "c")
	assert.NoError(t, err)

	// Second call is a no-op.
	again, err := h.manager.CleanupSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, again.DocumentIDs)
	assert.Zero(t, again.FilesRemoved)
	assert.Zero(t, again.CacheEntriesRemoved)
	assert.Zero(t, again.RecordsRemoved)
}

func TestManager_CleanupSessionWaitsForWriter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedDocument(t, "s1", "a", 1)

	unlock := h.manager.locks.lock("a")
	done := make(chan *domain.CleanupJob)
	go func() {
		job, _ := h.manager.CleanupSession(ctx, "s1")
		done <- job
	}()

	select {
	case <-done:
		t.Fatal("cleanup removed a document while it was being written")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	job := <-done
	assert.Equal(t, []string{"a"}, job.DocumentIDs)
}

func TestManager_CleanupWritesAuditLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedDocument(t, "s1", "a", 1)

	_, err := h.manager.CleanupSession(ctx, "s1")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(h.root, "logs", "cleanup.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tier":"session"`)
	assert.Contains(t, string(data), `"session_id":"s1"`)
}
