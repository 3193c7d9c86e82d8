package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
)

const auditLogName = "logs/cleanup.log"

// AuditLog records cleanup jobs as JSON lines and mirrors them to the structured logger.
type AuditLog struct {
	path   string
	keep   int
	logger *observability.Logger
	mu     sync.Mutex
}

// NewAuditLog creates an audit log under the storage root keeping keep rotated files.
func NewAuditLog(fsys FileSystem, keep int, logger *observability.Logger) (*AuditLog, error) {
	path, err := fsys.Abs(auditLogName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if keep <= 0 {
		keep = 4
	}
	return &AuditLog{path: path, keep: keep, logger: logger}, nil
}

// Path returns the active log file.
func (a *AuditLog) Path() string {
	return a.path
}

// Record appends job to the log.
func (a *AuditLog) Record(job *domain.CleanupJob) error {
	a.logger.Info().
		Str("job_id", job.ID).
		Str("tier", string(job.Tier)).
		Str("session_id", job.SessionID).
		Int("documents", len(job.DocumentIDs)).
		Int("files_removed", job.FilesRemoved).
		Int("cache_entries_removed", job.CacheEntriesRemoved).
		Int("records_removed", job.RecordsRemoved).
		Int64("bytes_freed", job.BytesFreed).
		Int("errors", len(job.Errors)).
		Msg("Cleanup job completed")

	line, err := json.Marshal(job)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Rotate shifts cleanup.log to cleanup.log.1 and so on, dropping the oldest beyond keep.
func (a *AuditLog) Rotate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := os.Stat(a.path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	oldest := fmt.Sprintf("%s.%d", a.path, a.keep)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for i := a.keep - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", a.path, i)
		to := fmt.Sprintf("%s.%d", a.path, i+1)
		if err := os.Rename(from, to); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return os.Rename(a.path, a.path+".1")
}
