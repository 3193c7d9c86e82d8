package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/spherical/drawing-ingest/internal/cache"
	"github.com/spherical/drawing-ingest/internal/domain"
)

// expiredPurger is implemented by stores that hold expired entries until swept.
type expiredPurger interface {
	PurgeExpired() int
}

// RunTier runs one scheduled cleanup pass.
func (m *Manager) RunTier(ctx context.Context, tier domain.CleanupTier) (*domain.CleanupJob, error) {
	switch tier {
	case domain.TierHourly:
		return m.RunHourly(ctx)
	case domain.TierDaily:
		return m.RunDaily(ctx)
	case domain.TierWeekly:
		return m.RunWeekly(ctx)
	default:
		return nil, domain.ValidationError(fmt.Sprintf("unknown cleanup tier %q", tier), nil)
	}
}

// RunHourly deletes temporary uploads past expiry.
func (m *Manager) RunHourly(ctx context.Context) (*domain.CleanupJob, error) {
	job := m.startPass(ctx, domain.TierHourly)

	keys, err := m.meta.Keys(ctx, uploadKeyPrefix)
	if err != nil {
		return nil, domain.ResourceError("failed to list uploads", err)
	}

	now := m.now()
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		documentID := strings.TrimPrefix(key, uploadKeyPrefix)

		unlock, ok := m.locks.tryLock(documentID)
		if !ok {
			continue
		}

		var file domain.UploadedFile
		err := m.getJSON(ctx, key, &file)
		switch {
		case errors.Is(err, cache.ErrCacheMiss):
		case err != nil:
			job.Errors = append(job.Errors, fmt.Sprintf("read %s: %v", key, err))
		case file.Expired(now):
			size, err := m.fs.Remove(path.Join(uploadsDir, file.SessionID, documentID+".pdf"))
			if err != nil {
				job.Errors = append(job.Errors, fmt.Sprintf("remove upload %s: %v", documentID, err))
				break
			}
			if size > 0 {
				job.FilesRemoved++
				job.BytesFreed += size
			}
			if m.deleteKey(ctx, m.meta, key) {
				job.CacheEntriesRemoved++
			}
			job.DocumentIDs = append(job.DocumentIDs, documentID)
		}
		unlock()
	}

	m.finishJob(job)
	return job, nil
}

// RunDaily deletes expired image sets and their registry records, then sweeps orphaned
// image directories and uploads. Orphans are only removed once older than the grace
// period, so files of a write still in flight are never touched.
func (m *Manager) RunDaily(ctx context.Context) (*domain.CleanupJob, error) {
	job := m.startPass(ctx, domain.TierDaily)

	keys, err := m.meta.Keys(ctx, imagesKeyPrefix)
	if err != nil {
		return nil, domain.ResourceError("failed to list converted images", err)
	}

	now := m.now()
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		documentID := strings.TrimPrefix(key, imagesKeyPrefix)

		unlock, ok := m.locks.tryLock(documentID)
		if !ok {
			continue
		}

		var record domain.ConvertedImages
		err := m.getJSON(ctx, key, &record)
		switch {
		case errors.Is(err, cache.ErrCacheMiss):
		case err != nil:
			job.Errors = append(job.Errors, fmt.Sprintf("read %s: %v", key, err))
		case record.Expired(now):
			files, size, err := m.fs.RemoveAll(path.Join(convertedDir, record.SessionID, documentID))
			if err != nil {
				job.Errors = append(job.Errors, fmt.Sprintf("remove images %s: %v", documentID, err))
				break
			}
			job.FilesRemoved += files
			job.BytesFreed += size
			if m.deleteKey(ctx, m.meta, key) {
				job.CacheEntriesRemoved++
			}
			if m.records != nil {
				if removed, err := m.records.Delete(ctx, documentID); err != nil {
					job.Errors = append(job.Errors, fmt.Sprintf("delete record %s: %v", documentID, err))
				} else if removed {
					job.RecordsRemoved++
				}
			}
			job.DocumentIDs = append(job.DocumentIDs, documentID)
		}
		unlock()
	}

	m.sweepOrphans(ctx, job)
	m.finishJob(job)
	return job, nil
}

func (m *Manager) sweepOrphans(ctx context.Context, job *domain.CleanupJob) {
	cutoff := m.now().Add(-m.cfg.OrphanGrace)

	sessions, err := m.fs.ReadDir(convertedDir)
	if err != nil {
		job.Errors = append(job.Errors, fmt.Sprintf("list %s: %v", convertedDir, err))
	}
	for _, s := range sessions {
		if !s.IsDir() {
			continue
		}
		sessionDir := path.Join(convertedDir, s.Name())
		docs, _ := m.fs.ReadDir(sessionDir)
		for _, d := range docs {
			if !d.IsDir() {
				continue
			}
			m.removeIfOrphan(ctx, job, d.Name(), imagesKeyPrefix+d.Name(), path.Join(sessionDir, d.Name()), cutoff)
		}
		m.removeIfEmpty(sessionDir)
	}

	sessions, err = m.fs.ReadDir(uploadsDir)
	if err != nil {
		job.Errors = append(job.Errors, fmt.Sprintf("list %s: %v", uploadsDir, err))
	}
	for _, s := range sessions {
		if !s.IsDir() {
			continue
		}
		sessionDir := path.Join(uploadsDir, s.Name())
		files, _ := m.fs.ReadDir(sessionDir)
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".pdf") {
				continue
			}
			documentID := strings.TrimSuffix(f.Name(), ".pdf")
			m.removeIfOrphan(ctx, job, documentID, uploadKeyPrefix+documentID, path.Join(sessionDir, f.Name()), cutoff)
		}
		m.removeIfEmpty(sessionDir)
	}
}

// removeIfOrphan removes rel when no metadata key references it and it was last modified
// before cutoff.
func (m *Manager) removeIfOrphan(ctx context.Context, job *domain.CleanupJob, documentID, key, rel string, cutoff time.Time) {
	unlock, ok := m.locks.tryLock(documentID)
	if !ok {
		return
	}
	defer unlock()

	if _, err := m.meta.Get(ctx, key); err == nil {
		return
	}
	info, err := m.fs.Stat(rel)
	if err != nil || info.ModTime().After(cutoff) {
		return
	}

	files, size, err := m.fs.RemoveAll(rel)
	if err != nil {
		job.Errors = append(job.Errors, fmt.Sprintf("remove orphan %s: %v", rel, err))
		return
	}
	job.FilesRemoved += files
	job.BytesFreed += size
	job.DocumentIDs = appendUnique(job.DocumentIDs, documentID)
	if strings.HasPrefix(key, imagesKeyPrefix) && m.records != nil {
		if removed, err := m.records.Delete(ctx, documentID); err == nil && removed {
			job.RecordsRemoved++
		}
	}
	m.logger.Info().Str("path", rel).Int("files", files).Msg("Removed orphaned storage entry")
}

func (m *Manager) removeIfEmpty(rel string) {
	entries, err := m.fs.ReadDir(rel)
	if err == nil && len(entries) == 0 {
		_, _, _ = m.fs.RemoveAll(rel)
	}
}

// RunWeekly rotates the cleanup log, rebuilds session indexes from the per-document
// metadata and purges expired entries from in-memory stores.
func (m *Manager) RunWeekly(ctx context.Context) (*domain.CleanupJob, error) {
	job := m.startPass(ctx, domain.TierWeekly)

	if err := m.audit.Rotate(); err != nil {
		job.Errors = append(job.Errors, fmt.Sprintf("rotate cleanup log: %v", err))
	}

	dropped, err := m.rebuildSessionIndexes(ctx)
	if err != nil {
		job.Errors = append(job.Errors, fmt.Sprintf("rebuild session indexes: %v", err))
	}
	job.CacheEntriesRemoved += dropped

	for _, c := range []cache.Client{m.meta, m.convCache} {
		if p, ok := c.(expiredPurger); ok {
			job.CacheEntriesRemoved += p.PurgeExpired()
		}
	}

	m.finishJob(job)
	return job, nil
}

// rebuildSessionIndexes recomputes every session index from the live upload and image
// records and returns the number of stale entries dropped.
func (m *Manager) rebuildSessionIndexes(ctx context.Context) (int, error) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	live := make(map[string]map[string]struct{})
	addDoc := func(sessionID, documentID string) {
		if live[sessionID] == nil {
			live[sessionID] = make(map[string]struct{})
		}
		live[sessionID][documentID] = struct{}{}
	}

	for _, prefix := range []string{uploadKeyPrefix, imagesKeyPrefix} {
		keys, err := m.meta.Keys(ctx, prefix)
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			var ref struct {
				SessionID string `json:"session_id"`
			}
			if err := m.getJSON(ctx, key, &ref); err != nil || ref.SessionID == "" {
				continue
			}
			addDoc(ref.SessionID, strings.TrimPrefix(key, prefix))
		}
	}

	sessionKeys, err := m.meta.Keys(ctx, sessionKeyPrefix)
	if err != nil {
		return 0, err
	}

	dropped := 0
	for _, key := range sessionKeys {
		sessionID := strings.TrimPrefix(key, sessionKeyPrefix)
		idx, err := m.loadSession(ctx, sessionID)
		if err != nil {
			continue
		}

		rebuilt := &sessionIndex{SessionID: sessionID}
		for id := range live[sessionID] {
			rebuilt.DocumentIDs = append(rebuilt.DocumentIDs, id)
		}
		sort.Strings(rebuilt.DocumentIDs)
		for _, k := range idx.CacheKeys {
			if m.convCache == nil {
				rebuilt.CacheKeys = append(rebuilt.CacheKeys, k)
				continue
			}
			if _, err := m.convCache.Get(ctx, k); err == nil {
				rebuilt.CacheKeys = append(rebuilt.CacheKeys, k)
			}
		}
		delete(live, sessionID)

		if len(rebuilt.DocumentIDs) == 0 && len(rebuilt.CacheKeys) == 0 {
			if m.deleteKey(ctx, m.meta, key) {
				dropped++
			}
			continue
		}
		if err := m.putJSON(ctx, key, rebuilt, 0); err != nil {
			return dropped, err
		}
	}

	// Sessions whose index was lost.
	for sessionID, docs := range live {
		rebuilt := &sessionIndex{SessionID: sessionID}
		for id := range docs {
			rebuilt.DocumentIDs = append(rebuilt.DocumentIDs, id)
		}
		sort.Strings(rebuilt.DocumentIDs)
		if err := m.putJSON(ctx, sessionKeyPrefix+sessionID, rebuilt, 0); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

func (m *Manager) startPass(ctx context.Context, tier domain.CleanupTier) *domain.CleanupJob {
	if m.disk != nil {
		m.disk.Check(ctx)
	}
	return m.newJob(tier)
}
