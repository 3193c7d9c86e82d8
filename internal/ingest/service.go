// Package ingest is the entry point for uploaded drawings: it validates, stores, registers
// and converts them, and answers status and cleanup requests.
package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spherical/drawing-ingest/internal/cache"
	"github.com/spherical/drawing-ingest/internal/conversion"
	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
	"github.com/spherical/drawing-ingest/internal/pdf"
	"github.com/spherical/drawing-ingest/internal/registry"
	"github.com/spherical/drawing-ingest/internal/storage"
)

// Deps are the collaborators of a Service. Publisher and Cache may be nil.
type Deps struct {
	Validator *pdf.Validator
	Storage   *storage.Manager
	Engine    *conversion.Engine
	Registry  registry.Store
	Publisher domain.Publisher
	Cache     cache.Client
}

// Service orchestrates the ingestion workflow
type Service struct {
	validator *pdf.Validator
	storage   *storage.Manager
	engine    *conversion.Engine
	registry  registry.Store
	publisher domain.Publisher
	cache     cache.Client
	logger    *observability.Logger
	newID     func() string
}

// NewService creates a new ingestion service
func NewService(deps Deps, logger *observability.Logger) (*Service, error) {
	switch {
	case deps.Validator == nil:
		return nil, domain.ConfigError("ingest service requires a validator", nil)
	case deps.Storage == nil:
		return nil, domain.ConfigError("ingest service requires a storage manager", nil)
	case deps.Engine == nil:
		return nil, domain.ConfigError("ingest service requires a conversion engine", nil)
	case deps.Registry == nil:
		return nil, domain.ConfigError("ingest service requires a document registry", nil)
	}
	return &Service{
		validator: deps.Validator,
		storage:   deps.Storage,
		engine:    deps.Engine,
		registry:  deps.Registry,
		publisher: deps.Publisher,
		cache:     deps.Cache,
		logger:    logger.WithOperation("ingest"),
		newID:     uuid.NewString,
	}, nil
}

// UploadRequest is one uploaded file. An empty SessionID starts a new session.
type UploadRequest struct {
	SessionID   string
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
	Options     domain.ConversionOptions
}

// ProcessResult reports what happened to an upload. Rejected uploads have Accepted false
// and no Conversion.
type ProcessResult struct {
	DocumentID string                   `json:"document_id"`
	SessionID  string                   `json:"session_id"`
	Accepted   bool                     `json:"accepted"`
	Validation *domain.ValidationResult `json:"validation"`
	Fallback   *pdf.FallbackResult      `json:"fallback,omitempty"`
	Upload     *domain.UploadedFile     `json:"upload,omitempty"`
	Conversion *conversion.Conversion   `json:"-"`
}

// ProcessFile validates an upload, persists it and starts converting it in the background.
func (s *Service) ProcessFile(ctx context.Context, req UploadRequest) (*ProcessResult, error) {
	if len(req.Data) == 0 {
		return nil, domain.ValidationError("upload is empty", nil)
	}
	if req.SessionID == "" {
		req.SessionID = s.newID()
	}
	if req.Size <= 0 {
		req.Size = int64(len(req.Data))
	}

	result := &ProcessResult{
		DocumentID: s.newID(),
		SessionID:  req.SessionID,
	}
	logger := s.logger.WithContext(ctx).WithDocument(result.SessionID, result.DocumentID)

	result.Validation = s.validator.Validate(req.Data, req.Size, req.ContentType)
	result.Accepted = result.Validation.IsValid

	// Structural heuristics alone may be overridden by the relaxed path; policy
	// violations (size, type, pages, passwords) may not.
	meta := result.Validation.Metadata
	if !result.Accepted && meta.IsCorrupted && len(result.Validation.Errors) == meta.StructuralIssues {
		result.Fallback = s.validator.ValidateFallback(req.Data)
		result.Accepted = result.Fallback.CanProceed
	}

	if !result.Accepted {
		logger.Info().
			Str("filename", req.Filename).
			Strs("errors", result.Validation.Errors).
			Msg("Upload rejected")
		return result, nil
	}

	upload, err := s.storage.StoreTemporary(ctx, storage.TempUpload{
		DocumentID:  result.DocumentID,
		SessionID:   result.SessionID,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Data:        req.Data,
	})
	if err != nil {
		return nil, err
	}
	result.Upload = upload

	record := domain.DocumentRecord{
		DocumentID: result.DocumentID,
		SessionID:  result.SessionID,
		Filename:   req.Filename,
		Status:     domain.StatusUploaded,
		PageCount:  meta.EstimatedPages,
		Checksum:   upload.Checksum,
		Size:       upload.Size,
		Metadata: map[string]string{
			"pdf_version": meta.PDFVersion,
			"encrypted":   strconv.FormatBool(meta.IsEncrypted),
			"fallback":    strconv.FormatBool(result.Fallback != nil),
		},
	}
	if err := s.registry.Upsert(ctx, record); err != nil {
		return nil, err
	}

	// The conversion outlives the request that started it.
	conv, err := s.engine.Start(context.WithoutCancel(ctx), conversion.Request{
		DocumentID: result.DocumentID,
		SessionID:  result.SessionID,
		Filename:   req.Filename,
		PDF:        req.Data,
		Options:    req.Options,
		Pages:      domain.AllPages,
	})
	if err != nil {
		return nil, err
	}
	result.Conversion = conv

	logger.Info().
		Str("filename", req.Filename).
		Int64("size", upload.Size).
		Int("estimated_pages", meta.EstimatedPages).
		Bool("fallback", result.Fallback != nil).
		Msg("Upload accepted, conversion started")

	return result, nil
}

// GetConvertedImages returns the stored image set for a document.
func (s *Service) GetConvertedImages(ctx context.Context, documentID string) (*domain.ConvertedImages, error) {
	return s.storage.GetConvertedImages(ctx, documentID)
}

// Status is the processing state of one document.
type Status struct {
	Record   *domain.DocumentRecord `json:"record"`
	Progress *domain.ProgressEvent  `json:"progress,omitempty"`
	Active   bool                   `json:"active"`
}

// GetProcessingStatus returns the registry record and, while converting, the latest
// progress event.
func (s *Service) GetProcessingStatus(ctx context.Context, documentID string) (*Status, error) {
	record, err := s.registry.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	status := &Status{Record: record}
	if conv, ok := s.engine.Status(documentID); ok {
		status.Active = true
		if ev, ok := conv.Last(); ok {
			status.Progress = &ev
		}
	} else if record.Conversion != nil && record.Conversion.Error != nil {
		status.Progress = &domain.ProgressEvent{
			DocumentID: documentID,
			SessionID:  record.SessionID,
			Stage:      domain.StageError,
			Message:    record.Conversion.Error.Message,
			ErrorKind:  record.Conversion.Error.Kind,
			Suggestion: record.Conversion.Error.Suggestion,
		}
	}
	return status, nil
}

// Metrics combines registry aggregates with engine counters.
type Metrics struct {
	Registry   *registry.ConversionMetrics `json:"registry"`
	Conversion conversion.MetricsSnapshot  `json:"conversion"`
}

// GetConversionMetrics aggregates registry and engine metrics.
func (s *Service) GetConversionMetrics(ctx context.Context) (*Metrics, error) {
	reg, err := s.registry.GetConversionMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return &Metrics{Registry: reg, Conversion: s.engine.Metrics()}, nil
}

// CleanupSession stops the session's running conversions, removes everything belonging to
// the session and announces it.
func (s *Service) CleanupSession(ctx context.Context, sessionID string) (*domain.CleanupJob, error) {
	if _, err := s.engine.CancelSession(ctx, sessionID); err != nil {
		return nil, domain.ResourceError("timed out waiting for session conversions to stop", err)
	}

	job, err := s.storage.CleanupSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, sessionID, domain.EventSessionCleaned, job); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to publish session cleanup")
		}
	}
	return job, nil
}

// Health status values.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// HealthReport summarizes dependency state for the health endpoint.
type HealthReport struct {
	Status     string                     `json:"status"`
	Checks     map[string]string          `json:"checks"`
	Disk       *storage.DiskStatus        `json:"disk,omitempty"`
	Conversion conversion.MetricsSnapshot `json:"conversion"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Health probes the cache store and the disk monitor. Resource problems degrade the
// report; they never fail it.
func (s *Service) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     HealthOK,
		Checks:     map[string]string{},
		Conversion: s.engine.Metrics(),
		CheckedAt:  time.Now(),
	}

	if s.cache != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.cache.Ping(pingCtx); err != nil {
			report.Status = HealthDegraded
			report.Checks["cache"] = "unavailable: " + err.Error()
		} else {
			report.Checks["cache"] = HealthOK
		}
	}

	if disk, ok := s.storage.DiskStatus(); ok {
		report.Disk = &disk
		if disk.Degraded {
			report.Status = HealthDegraded
			report.Checks["disk"] = "low space"
		} else {
			report.Checks["disk"] = HealthOK
		}
	}

	return report
}
