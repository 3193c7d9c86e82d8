// Package storage manages temporary uploads, converted page images and their cleanup.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spherical/drawing-ingest/internal/cache"
	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
	"golang.org/x/sync/errgroup"
)

const (
	uploadsDir   = "uploads"
	convertedDir = "converted"

	uploadKeyPrefix  = "upload:"
	imagesKeyPrefix  = "images:"
	sessionKeyPrefix = "session:"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Config holds Storage Manager settings.
type Config struct {
	UploadTTL        time.Duration
	ImagesTTL        time.Duration
	OrphanGrace      time.Duration
	MaxAuditLogs     int
	WriteConcurrency int
}

// DefaultConfig returns the default storage settings.
func DefaultConfig() Config {
	return Config{
		UploadTTL:        24 * time.Hour,
		ImagesTTL:        72 * time.Hour,
		OrphanGrace:      time.Hour,
		MaxAuditLogs:     4,
		WriteConcurrency: 4,
	}
}

// RecordStore is the part of the document registry that cleanup prunes.
type RecordStore interface {
	Delete(ctx context.Context, documentID string) (bool, error)
	DeleteBySession(ctx context.Context, sessionID string) ([]string, error)
}

// TempUpload is an upload to persist.
type TempUpload struct {
	DocumentID  string
	SessionID   string
	Filename    string
	ContentType string
	Data        []byte
}

type sessionIndex struct {
	SessionID   string   `json:"session_id"`
	DocumentIDs []string `json:"document_ids"`
	CacheKeys   []string `json:"cache_keys"`
}

// Manager is the Storage Manager.
type Manager struct {
	fs        FileSystem
	meta      cache.Client
	convCache cache.Client
	records   RecordStore
	disk      *DiskMonitor
	audit     *AuditLog
	cfg       Config
	logger    *observability.Logger
	now       func() time.Time

	locks   *docLocks
	indexMu sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRecordStore lets cleanup remove registry records alongside files.
func WithRecordStore(r RecordStore) Option {
	return func(m *Manager) { m.records = r }
}

// WithConversionCache lets session cleanup drop the conversion cache entries it created.
func WithConversionCache(c cache.Client) Option {
	return func(m *Manager) { m.convCache = c }
}

// WithDiskMonitor samples disk usage on every cleanup pass.
func WithDiskMonitor(d *DiskMonitor) Option {
	return func(m *Manager) { m.disk = d }
}

// NewManager creates a Storage Manager over fsys with metadata kept in meta.
func NewManager(fsys FileSystem, meta cache.Client, cfg Config, logger *observability.Logger, opts ...Option) (*Manager, error) {
	def := DefaultConfig()
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = def.UploadTTL
	}
	if cfg.ImagesTTL <= 0 {
		cfg.ImagesTTL = def.ImagesTTL
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = def.OrphanGrace
	}
	if cfg.MaxAuditLogs <= 0 {
		cfg.MaxAuditLogs = def.MaxAuditLogs
	}
	if cfg.WriteConcurrency <= 0 {
		cfg.WriteConcurrency = def.WriteConcurrency
	}

	m := &Manager{
		fs:     fsys,
		meta:   meta,
		cfg:    cfg,
		logger: logger.WithOperation("storage"),
		now:    time.Now,
		locks:  newDocLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}

	audit, err := NewAuditLog(fsys, cfg.MaxAuditLogs, m.logger)
	if err != nil {
		return nil, domain.IOError("failed to initialise cleanup audit log", err)
	}
	m.audit = audit
	return m, nil
}

// Root returns the storage root.
func (m *Manager) Root() string {
	return m.fs.Root()
}

// DiskStatus returns the latest disk sample, if a monitor is configured.
func (m *Manager) DiskStatus() (DiskStatus, bool) {
	if m.disk == nil {
		return DiskStatus{}, false
	}
	return m.disk.Status(), true
}

func checkIDs(ids ...string) error {
	for _, id := range ids {
		if !idPattern.MatchString(id) {
			return domain.ValidationError(fmt.Sprintf("invalid identifier %q", id), nil)
		}
	}
	return nil
}

// Metadata outlives its files so the tiers can still find them after expiry.
func metadataTTL(ttl time.Duration) time.Duration {
	return 2 * ttl
}

// StoreTemporary persists an upload keyed by document ID with an expiry.
func (m *Manager) StoreTemporary(ctx context.Context, up TempUpload) (*domain.UploadedFile, error) {
	if err := checkIDs(up.SessionID, up.DocumentID); err != nil {
		return nil, err
	}

	unlock := m.locks.lock(up.DocumentID)
	defer unlock()

	rel := path.Join(uploadsDir, up.SessionID, up.DocumentID+".pdf")
	abs, err := m.fs.WriteFile(rel, up.Data)
	if err != nil {
		return nil, domain.IOError("failed to write temporary upload", err)
	}

	now := m.now()
	file := &domain.UploadedFile{
		DocumentID:   up.DocumentID,
		SessionID:    up.SessionID,
		OriginalName: up.Filename,
		Size:         int64(len(up.Data)),
		ContentType:  up.ContentType,
		Path:         abs,
		Checksum:     domain.ContentChecksum(up.Data),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.UploadTTL),
	}

	if err := m.putJSON(ctx, uploadKeyPrefix+up.DocumentID, file, metadataTTL(m.cfg.UploadTTL)); err != nil {
		return nil, err
	}
	if err := m.updateSession(ctx, up.SessionID, up.DocumentID, ""); err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("session_id", up.SessionID).
		Str("document_id", up.DocumentID).
		Int64("size", file.Size).
		Msg("Stored temporary upload")
	return file, nil
}

// GetFileInfo returns the metadata of a live upload.
func (m *Manager) GetFileInfo(ctx context.Context, documentID string) (*domain.UploadedFile, error) {
	var file domain.UploadedFile
	if err := m.getJSON(ctx, uploadKeyPrefix+documentID, &file); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, domain.NotFoundError(fmt.Sprintf("upload %s not found", documentID), nil)
		}
		return nil, err
	}
	if file.Expired(m.now()) {
		return nil, domain.NotFoundError(fmt.Sprintf("upload %s has expired", documentID), nil)
	}
	if _, err := os.Stat(file.Path); err != nil {
		return nil, domain.NotFoundError(fmt.Sprintf("upload %s is no longer on disk", documentID), err)
	}
	return &file, nil
}

// StoreConvertedImages writes rendered pages in parallel and records the set in page order.
// Any previous set for the document is replaced.
func (m *Manager) StoreConvertedImages(ctx context.Context, sessionID, documentID string, format domain.ImageFormat, pages []domain.RenderedPage) (*domain.ConvertedImages, []domain.PageImage, error) {
	if err := checkIDs(sessionID, documentID); err != nil {
		return nil, nil, err
	}
	if len(pages) == 0 {
		return nil, nil, domain.ValidationError("no pages to store", nil)
	}

	unlock := m.locks.lock(documentID)
	defer unlock()

	dir := path.Join(convertedDir, sessionID, documentID)
	if _, _, err := m.fs.RemoveAll(dir); err != nil {
		return nil, nil, domain.IOError("failed to clear previous images", err)
	}

	images := make([]domain.PageImage, len(pages))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.WriteConcurrency)
	for i := range pages {
		i := i
		g.Go(func() error {
			page := pages[i]
			rel := path.Join(dir, fmt.Sprintf("page_%03d.%s", page.PageNumber, format.Extension()))
			abs, err := m.fs.WriteFile(rel, page.Data)
			if err != nil {
				return fmt.Errorf("page %d: %w", page.PageNumber, err)
			}
			images[i] = domain.PageImage{
				PageNumber: page.PageNumber,
				Path:       abs,
				Width:      page.Width,
				Height:     page.Height,
				Size:       int64(len(page.Data)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_, _, _ = m.fs.RemoveAll(dir)
		return nil, nil, domain.IOError("failed to write converted images", err)
	}

	record, err := m.recordImages(ctx, sessionID, documentID, images)
	if err != nil {
		return nil, nil, err
	}
	return record, images, nil
}

// AdoptImages materializes an existing image set, typically a cache hit produced for
// another document, under documentID's own directory.
func (m *Manager) AdoptImages(ctx context.Context, sessionID, documentID string, src []domain.PageImage) (*domain.ConvertedImages, []domain.PageImage, error) {
	if err := checkIDs(sessionID, documentID); err != nil {
		return nil, nil, err
	}

	unlock := m.locks.lock(documentID)
	defer unlock()

	dir := path.Join(convertedDir, sessionID, documentID)
	if _, _, err := m.fs.RemoveAll(dir); err != nil {
		return nil, nil, domain.IOError("failed to clear previous images", err)
	}

	images := make([]domain.PageImage, len(src))
	for i, img := range src {
		abs, err := m.fs.Materialize(img.Path, path.Join(dir, filepath.Base(img.Path)))
		if err != nil {
			_, _, _ = m.fs.RemoveAll(dir)
			return nil, nil, domain.IOError(fmt.Sprintf("failed to materialize page %d", img.PageNumber), err)
		}
		images[i] = img
		images[i].Path = abs
	}

	record, err := m.recordImages(ctx, sessionID, documentID, images)
	if err != nil {
		return nil, nil, err
	}
	return record, images, nil
}

func (m *Manager) recordImages(ctx context.Context, sessionID, documentID string, images []domain.PageImage) (*domain.ConvertedImages, error) {
	now := m.now()
	record := &domain.ConvertedImages{
		DocumentID: documentID,
		SessionID:  sessionID,
		ImagePaths: make([]string, len(images)),
		StoredAt:   now,
		ExpiresAt:  now.Add(m.cfg.ImagesTTL),
	}
	for i, img := range images {
		record.ImagePaths[i] = img.Path
		record.TotalSize += img.Size
	}

	if err := m.putJSON(ctx, imagesKeyPrefix+documentID, record, metadataTTL(m.cfg.ImagesTTL)); err != nil {
		return nil, err
	}
	if err := m.updateSession(ctx, sessionID, documentID, ""); err != nil {
		return nil, err
	}
	return record, nil
}

// GetConvertedImages returns the stored image set. Paths are checked at read time: a set
// with a missing file is dropped and reported as not found.
func (m *Manager) GetConvertedImages(ctx context.Context, documentID string) (*domain.ConvertedImages, error) {
	var record domain.ConvertedImages
	if err := m.getJSON(ctx, imagesKeyPrefix+documentID, &record); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, domain.NotFoundError(fmt.Sprintf("no converted images for document %s", documentID), nil)
		}
		return nil, err
	}
	if record.Expired(m.now()) {
		return nil, domain.NotFoundError(fmt.Sprintf("converted images for document %s have expired", documentID), nil)
	}

	for _, p := range record.ImagePaths {
		if _, err := os.Stat(p); err != nil {
			_ = m.meta.Delete(ctx, imagesKeyPrefix+documentID)
			m.logger.Warn().
				Str("document_id", documentID).
				Str("path", p).
				Msg("Converted image missing on disk, dropping record")
			return nil, domain.NotFoundError(fmt.Sprintf("converted images for document %s are no longer on disk", documentID), err)
		}
	}
	return &record, nil
}

// TrackCacheKey ties a conversion cache entry to a session so session cleanup removes it.
func (m *Manager) TrackCacheKey(ctx context.Context, sessionID, key string) error {
	return m.updateSession(ctx, sessionID, "", key)
}

// DiscardImages removes a document's image set after its conversion was abandoned. The
// session index keeps the document only while its upload is still recorded.
func (m *Manager) DiscardImages(ctx context.Context, sessionID, documentID string) error {
	if err := checkIDs(sessionID, documentID); err != nil {
		return err
	}

	unlock := m.locks.lock(documentID)
	defer unlock()

	if _, _, err := m.fs.RemoveAll(path.Join(convertedDir, sessionID, documentID)); err != nil {
		return domain.IOError("failed to discard converted images", err)
	}
	if err := m.meta.Delete(ctx, imagesKeyPrefix+documentID); err != nil {
		return domain.ResourceError("metadata store unavailable", err)
	}
	if _, err := m.meta.Get(ctx, uploadKeyPrefix+documentID); err == nil {
		return nil
	}
	_, err := m.dropSessionIndex(ctx, sessionID, map[string]struct{}{documentID: {}}, nil)
	return err
}

// CleanupSession deletes every upload, image set, cache entry and registry record tied
// to sessionID. A second call finds nothing and removes nothing.
func (m *Manager) CleanupSession(ctx context.Context, sessionID string) (*domain.CleanupJob, error) {
	if err := checkIDs(sessionID); err != nil {
		return nil, err
	}

	job := m.newJob(domain.TierSession)
	job.SessionID = sessionID

	m.indexMu.Lock()
	idx, err := m.loadSession(ctx, sessionID)
	m.indexMu.Unlock()
	if err != nil {
		return nil, err
	}

	docs := make(map[string]struct{})
	for _, id := range idx.DocumentIDs {
		docs[id] = struct{}{}
	}
	for _, id := range m.sessionDocsOnDisk(sessionID) {
		docs[id] = struct{}{}
	}

	for id := range docs {
		job.DocumentIDs = append(job.DocumentIDs, id)
		unlock := m.locks.lock(id)
		m.removeDocumentFiles(ctx, sessionID, id, job)
		unlock()
	}
	sort.Strings(job.DocumentIDs)

	for _, dir := range []string{path.Join(uploadsDir, sessionID), path.Join(convertedDir, sessionID)} {
		files, size, err := m.fs.RemoveAll(dir)
		if err != nil {
			job.Errors = append(job.Errors, fmt.Sprintf("remove %s: %v", dir, err))
			continue
		}
		job.FilesRemoved += files
		job.BytesFreed += size
	}

	if m.convCache != nil {
		for _, key := range idx.CacheKeys {
			if m.deleteKey(ctx, m.convCache, key) {
				job.CacheEntriesRemoved++
			}
		}
	}
	if removed, err := m.dropSessionIndex(ctx, sessionID, docs, idx.CacheKeys); err != nil {
		job.Errors = append(job.Errors, fmt.Sprintf("session index: %v", err))
	} else if removed {
		job.CacheEntriesRemoved++
	}

	if m.records != nil {
		removed, err := m.records.DeleteBySession(ctx, sessionID)
		if err != nil {
			job.Errors = append(job.Errors, fmt.Sprintf("delete records: %v", err))
		}
		job.RecordsRemoved = len(removed)
	}

	m.finishJob(job)
	return job, nil
}

// removeDocumentFiles deletes a document's upload, image directory and metadata keys.
// The caller holds the document lock.
func (m *Manager) removeDocumentFiles(ctx context.Context, sessionID, documentID string, job *domain.CleanupJob) {
	size, err := m.fs.Remove(path.Join(uploadsDir, sessionID, documentID+".pdf"))
	switch {
	case err != nil:
		job.Errors = append(job.Errors, fmt.Sprintf("remove upload %s: %v", documentID, err))
	case size > 0:
		job.FilesRemoved++
		job.BytesFreed += size
	}

	files, bytes, err := m.fs.RemoveAll(path.Join(convertedDir, sessionID, documentID))
	if err != nil {
		job.Errors = append(job.Errors, fmt.Sprintf("remove images %s: %v", documentID, err))
	}
	job.FilesRemoved += files
	job.BytesFreed += bytes

	for _, key := range []string{uploadKeyPrefix + documentID, imagesKeyPrefix + documentID} {
		if m.deleteKey(ctx, m.meta, key) {
			job.CacheEntriesRemoved++
		}
	}
}

// sessionDocsOnDisk lists document IDs found in a session's directories.
func (m *Manager) sessionDocsOnDisk(sessionID string) []string {
	var ids []string
	uploads, _ := m.fs.ReadDir(path.Join(uploadsDir, sessionID))
	for _, e := range uploads {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".pdf" {
			ids = append(ids, e.Name()[:len(e.Name())-len(".pdf")])
		}
	}
	converted, _ := m.fs.ReadDir(path.Join(convertedDir, sessionID))
	for _, e := range converted {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids
}

func (m *Manager) newJob(tier domain.CleanupTier) *domain.CleanupJob {
	return &domain.CleanupJob{
		ID:          newJobID(),
		Tier:        tier,
		DocumentIDs: []string{},
		ScheduledAt: m.now(),
	}
}

func (m *Manager) finishJob(job *domain.CleanupJob) {
	job.CompletedAt = m.now()
	if err := m.audit.Record(job); err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to append cleanup audit record")
	}
}

// updateSession adds documentID and/or cacheKey to the session index.
func (m *Manager) updateSession(ctx context.Context, sessionID, documentID, cacheKey string) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	idx, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if documentID != "" {
		idx.DocumentIDs = appendUnique(idx.DocumentIDs, documentID)
	}
	if cacheKey != "" {
		idx.CacheKeys = appendUnique(idx.CacheKeys, cacheKey)
	}
	return m.putJSON(ctx, sessionKeyPrefix+sessionID, idx, 0)
}

func (m *Manager) loadSession(ctx context.Context, sessionID string) (*sessionIndex, error) {
	idx := &sessionIndex{SessionID: sessionID}
	if err := m.getJSON(ctx, sessionKeyPrefix+sessionID, idx); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		return nil, err
	}
	return idx, nil
}

// dropSessionIndex deletes the session index unless entries were added while cleanup ran,
// in which case only the processed entries are removed.
func (m *Manager) dropSessionIndex(ctx context.Context, sessionID string, docs map[string]struct{}, cacheKeys []string) (bool, error) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	idx, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return false, err
	}

	handledKeys := make(map[string]struct{}, len(cacheKeys))
	for _, k := range cacheKeys {
		handledKeys[k] = struct{}{}
	}
	remaining := &sessionIndex{SessionID: sessionID}
	for _, id := range idx.DocumentIDs {
		if _, ok := docs[id]; !ok {
			remaining.DocumentIDs = append(remaining.DocumentIDs, id)
		}
	}
	for _, k := range idx.CacheKeys {
		if _, ok := handledKeys[k]; !ok {
			remaining.CacheKeys = append(remaining.CacheKeys, k)
		}
	}

	if len(remaining.DocumentIDs) > 0 || len(remaining.CacheKeys) > 0 {
		return false, m.putJSON(ctx, sessionKeyPrefix+sessionID, remaining, 0)
	}
	return m.deleteKey(ctx, m.meta, sessionKeyPrefix+sessionID), nil
}

func (m *Manager) putJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := m.meta.Set(ctx, key, data, ttl); err != nil {
		return domain.ResourceError("metadata store unavailable", err)
	}
	return nil
}

func (m *Manager) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := m.meta.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return err
		}
		return domain.ResourceError("metadata store unavailable", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// deleteKey reports whether key existed.
func (m *Manager) deleteKey(ctx context.Context, c cache.Client, key string) bool {
	if _, err := c.Get(ctx, key); err != nil {
		return false
	}
	return c.Delete(ctx, key) == nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func newJobID() string {
	return uuid.NewString()
}
