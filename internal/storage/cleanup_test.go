package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunHourly_RemovesOnlyExpiredUploads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.StoreTemporary(ctx, TempUpload{DocumentID: "old", SessionID: "s", Data: []byte("old")})
	require.NoError(t, err)
	h.clock.Advance(23 * time.Hour)
	_, err = h.manager.StoreTemporary(ctx, TempUpload{DocumentID: "new", SessionID: "s", Data: []byte("new")})
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)

	job, err := h.manager.RunHourly(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TierHourly, job.Tier)
	assert.Equal(t, []string{"old"}, job.DocumentIDs)
	assert.Equal(t, 1, job.FilesRemoved)

	assert.NoFileExists(t, filepath.Join(h.root, "uploads", "s", "old.pdf"))
	assert.FileExists(t, filepath.Join(h.root, "uploads", "s", "new.pdf"))

	again, err := h.manager.RunHourly(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.DocumentIDs)
}

func TestRunHourly_SkipsDocumentsBeingWritten(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.StoreTemporary(ctx, TempUpload{DocumentID: "busy", SessionID: "s", Data: []byte("x")})
	require.NoError(t, err)
	h.clock.Advance(48 * time.Hour)

	unlock := h.manager.locks.lock("busy")
	job, err := h.manager.RunHourly(ctx)
	unlock()
	require.NoError(t, err)
	assert.Empty(t, job.DocumentIDs)
	assert.FileExists(t, filepath.Join(h.root, "uploads", "s", "busy.pdf"))
}

func TestRunDaily_ExpiresImagesAndRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedDocument(t, "s", "expired", 2)
	h.clock.Advance(48 * time.Hour)
	h.seedDocument(t, "s", "fresh", 1)
	h.clock.Advance(25 * time.Hour)

	job, err := h.manager.RunDaily(ctx)
	require.NoError(t, err)
	assert.Contains(t, job.DocumentIDs, "expired")
	assert.NotContains(t, job.DocumentIDs, "fresh")
	assert.Equal(t, 1, job.RecordsRemoved)

	assert.NoDirExists(t, filepath.Join(h.root, "converted", "s", "expired"))
	_, err = h.records.Get(ctx, "expired")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))

	_, err = h.manager.GetConvertedImages(ctx, "fresh")
	assert.NoError(t, err)
}

func TestRunDaily_SweepsOrphansPastGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	orphanDir := filepath.Join(h.root, "converted", "ghost-session", "ghost-doc")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphanDir, "page_001.jpg"), []byte("img"), 0o644))

	orphanUpload := filepath.Join(h.root, "uploads", "ghost-session", "lost.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(orphanUpload), 0o755))
	require.NoError(t, os.WriteFile(orphanUpload, []byte("%PDF"), 0o644))

	h.seedDocument(t, "live", "kept", 1)

	// Within the grace period nothing is touched.
	job, err := h.manager.RunDaily(ctx)
	require.NoError(t, err)
	assert.Empty(t, job.DocumentIDs)
	assert.DirExists(t, orphanDir)

	h.clock.Advance(2 * time.Hour)
	job, err = h.manager.RunDaily(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ghost-doc", "lost"}, job.DocumentIDs)
	assert.Equal(t, 2, job.FilesRemoved)
	assert.NoDirExists(t, filepath.Join(h.root, "converted", "ghost-session"))
	assert.NoFileExists(t, orphanUpload)

	_, err = h.manager.GetConvertedImages(ctx, "kept")
	assert.NoError(t, err, "registered documents are never orphans")
}

func TestRunWeekly_RotatesLogAndRebuildsIndexes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedDocument(t, "s1", "a", 1)
	_, err := h.manager.CleanupSession(ctx, "nothing-here")
	require.NoError(t, err)

	// A stale index entry pointing at a document that no longer has metadata.
	require.NoError(t, h.manager.updateSession(ctx, "s1", "vanished", ""))
	require.NoError(t, h.manager.updateSession(ctx, "empty", "gone", ""))

	job, err := h.manager.RunWeekly(ctx)
	require.NoError(t, err)
	assert.Empty(t, job.Errors)
	assert.Equal(t, 1, job.CacheEntriesRemoved, "the empty session index is dropped")

	assert.FileExists(t, filepath.Join(h.root, "logs", "cleanup.log.1"))

	idx, err := h.manager.loadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, idx.DocumentIDs)
}

func TestRunTier_UnknownTier(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.RunTier(context.Background(), domain.TierSession)
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}

func TestAuditLog_RotateKeepsBoundedHistory(t *testing.T) {
	fsys, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	log, err := NewAuditLog(fsys, 2, observability.Nop())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, log.Record(&domain.CleanupJob{ID: "job", Tier: domain.TierWeekly}))
		require.NoError(t, log.Rotate())
	}

	assert.FileExists(t, log.Path()+".1")
	assert.FileExists(t, log.Path()+".2")
	assert.NoFileExists(t, log.Path()+".3")
	assert.NoFileExists(t, log.Path())
}

func TestScheduler_RunOnceSurvivesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := NewScheduler(h.manager, nil, DefaultSchedulerConfig(), observability.Nop())

	assert.Nil(t, s.RunOnce(ctx, "bogus"))
	job := s.RunOnce(ctx, domain.TierHourly)
	require.NotNil(t, job)
	assert.Equal(t, domain.TierHourly, job.Tier)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	disk := NewDiskMonitor(h.root, 90, observability.Nop()).WithUsageFunc(
		func(ctx context.Context, path string) (float64, uint64, error) {
			return 10, 1 << 30, nil
		})

	s := NewScheduler(h.manager, disk, SchedulerConfig{
		HourlySchedule:    "@hourly",
		DiskCheckInterval: 5 * time.Millisecond,
	}, observability.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, disk.Degraded())
}

func TestScheduler_RunsTierOnSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.StoreTemporary(ctx, TempUpload{DocumentID: "old", SessionID: "s", Data: []byte("old")})
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)

	s := NewScheduler(h.manager, nil, SchedulerConfig{HourlySchedule: "@every 1s"}, observability.Nop())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(h.root, "uploads", "s", "old.pdf"))
		return errors.Is(err, os.ErrNotExist)
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	h := newHarness(t)
	s := NewScheduler(h.manager, nil, SchedulerConfig{DailySchedule: "every day"}, observability.Nop())

	err := s.Run(context.Background())
	assert.True(t, domain.IsType(err, domain.ErrorTypeConfig))
}

func TestDiskMonitor_Transitions(t *testing.T) {
	used := 50.0
	var sampleErr error
	m := NewDiskMonitor("/data", 85, observability.Nop()).WithUsageFunc(
		func(ctx context.Context, path string) (float64, uint64, error) {
			return used, 100, sampleErr
		})
	ctx := context.Background()

	assert.False(t, m.Check(ctx).Degraded)

	used = 91
	status := m.Check(ctx)
	assert.True(t, status.Degraded)
	assert.Equal(t, 91.0, status.UsedPercent)
	assert.True(t, m.Degraded())

	sampleErr = errors.New("statfs failed")
	status = m.Check(ctx)
	assert.True(t, status.Degraded, "a failed sample keeps the previous verdict")
	assert.Equal(t, "statfs failed", status.Error)

	sampleErr = nil
	used = 40
	assert.False(t, m.Check(ctx).Degraded)
}

func TestLocalFS_ScopesPaths(t *testing.T) {
	fsys, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)

	_, err = fsys.Abs("../outside")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	_, err = fsys.WriteFile("../../escape.txt", []byte("x"))
	assert.ErrorIs(t, err, ErrOutsideRoot)

	_, _, err = fsys.RemoveAll(".")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	p, err := fsys.WriteFile("a/b/c.txt", []byte("hello"))
	require.NoError(t, err)
	data, err := fsys.ReadFile("a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	size, err := fsys.Remove("a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.NoFileExists(t, p)

	size, err = fsys.Remove("a/b/c.txt")
	require.NoError(t, err)
	assert.Zero(t, size)
}
