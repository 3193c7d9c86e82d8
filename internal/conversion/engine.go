// Package conversion turns validated PDFs into per-page images with caching, retry and
// progress reporting.
package conversion

import (
	"context"
	"fmt"
	"time"

	"github.com/spherical/drawing-ingest/internal/cache"
	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
	"github.com/spherical/drawing-ingest/internal/pdf"
	"github.com/spherical/drawing-ingest/internal/registry"
	"golang.org/x/sync/singleflight"
)

// StructureChecker decides whether a buffer is safe to hand to the rasterizer.
type StructureChecker interface {
	CheckStructure(buf []byte) (*pdf.StructureReport, error)
}

// ImageStore persists rendered pages.
type ImageStore interface {
	StoreConvertedImages(ctx context.Context, sessionID, documentID string, format domain.ImageFormat, pages []domain.RenderedPage) (*domain.ConvertedImages, []domain.PageImage, error)
	AdoptImages(ctx context.Context, sessionID, documentID string, src []domain.PageImage) (*domain.ConvertedImages, []domain.PageImage, error)
	TrackCacheKey(ctx context.Context, sessionID, key string) error
	DiscardImages(ctx context.Context, sessionID, documentID string) error
}

// Deps are the collaborators of an Engine. Publisher may be nil.
type Deps struct {
	Validator  StructureChecker
	Rasterizer domain.Rasterizer
	Storage    ImageStore
	Registry   registry.Store
	Cache      cache.Client
	Publisher  domain.Publisher
}

// Config holds engine settings.
type Config struct {
	Defaults    domain.ConversionOptions
	Policy      Policy
	CacheTTL    time.Duration
	EventBuffer int
}

// DefaultConfig returns 200 DPI JPEG at quality 85 with the default retry policy.
func DefaultConfig() Config {
	return Config{
		Defaults:    domain.ConversionOptions{DPI: 200, Format: domain.FormatJPEG, Quality: 85},
		Policy:      DefaultPolicy(),
		CacheTTL:    defaultCacheTTL,
		EventBuffer: defaultEventBuffer,
	}
}

// Request describes one conversion.
type Request struct {
	DocumentID string
	SessionID  string
	Filename   string
	PDF        []byte
	Options    domain.ConversionOptions
	Pages      domain.PageRange
}

// Engine runs conversions. A document has at most one conversion in flight, and identical
// content with identical options is rendered at most once at a time.
type Engine struct {
	validator  StructureChecker
	rasterizer domain.Rasterizer
	storage    ImageStore
	registry   registry.Store
	cache      *resultCache
	publisher  domain.Publisher
	config     Config
	logger     *observability.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	inflight *inflight
	renders  singleflight.Group
	watchers *renderWatchers
	metrics  Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep overrides the backoff wait between attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// NewEngine wires an engine from its collaborators.
func NewEngine(deps Deps, config Config, logger *observability.Logger, opts ...Option) (*Engine, error) {
	switch {
	case deps.Validator == nil:
		return nil, domain.ConfigError("conversion engine requires a validator", nil)
	case deps.Rasterizer == nil:
		return nil, domain.ConfigError("conversion engine requires a rasterizer", nil)
	case deps.Storage == nil:
		return nil, domain.ConfigError("conversion engine requires image storage", nil)
	case deps.Registry == nil:
		return nil, domain.ConfigError("conversion engine requires a document registry", nil)
	case deps.Cache == nil:
		return nil, domain.ConfigError("conversion engine requires a cache", nil)
	}

	config.Defaults = config.Defaults.WithDefaults(DefaultConfig().Defaults)
	if err := config.Defaults.Validate(); err != nil {
		return nil, domain.ConfigError("invalid default conversion options", err)
	}

	e := &Engine{
		validator:  deps.Validator,
		rasterizer: deps.Rasterizer,
		storage:    deps.Storage,
		registry:   deps.Registry,
		cache:      newResultCache(deps.Cache, config.CacheTTL, logger),
		publisher:  deps.Publisher,
		config:     config,
		logger:     logger.WithOperation("convert"),
		now:        time.Now,
		sleep:      sleepContext,
		inflight:   newInflight(),
		watchers:   newRenderWatchers(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start begins converting req in the background and returns its handle. If the document is
// already converting, the running conversion is returned and req is ignored. The conversion
// stops early when ctx ends or its session is cancelled.
func (e *Engine) Start(ctx context.Context, req Request) (*Conversion, error) {
	if req.DocumentID == "" || req.SessionID == "" {
		return nil, domain.ValidationError("document and session IDs are required", nil)
	}
	if len(req.PDF) == 0 {
		return nil, domain.ValidationError("empty PDF buffer", nil)
	}
	req.Options = req.Options.WithDefaults(e.config.Defaults)
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}

	var runCtx context.Context
	conv, joined := e.inflight.getOrCreate(req.DocumentID, func() *Conversion {
		logger := e.logger.WithDocument(req.SessionID, req.DocumentID)
		tracker := newTracker(req.SessionID, req.DocumentID, e.publisher, e.config.EventBuffer, e.now, logger)
		c := newConversion(req.SessionID, req.DocumentID, tracker)
		runCtx, c.cancel = context.WithCancel(ctx)
		return c
	})
	if joined {
		e.metrics.joined.Add(1)
		e.logger.Debug().Str("document_id", req.DocumentID).Msg("Joining in-flight conversion")
		return conv, nil
	}

	e.metrics.started.Add(1)
	go func() {
		result := e.run(runCtx, conv, req)
		conv.cancel()
		e.inflight.remove(req.DocumentID, conv)
		conv.finish(result)
	}()
	return conv, nil
}

// Convert runs a conversion to completion. onProgress, if set, sees every event in order.
func (e *Engine) Convert(ctx context.Context, req Request, onProgress func(domain.ProgressEvent)) (*domain.ConversionResult, error) {
	conv, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	if onProgress != nil {
		events, cancel := conv.Subscribe()
		defer cancel()
	loop:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					break loop
				}
				onProgress(ev)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return conv.Wait(ctx)
}

// Status returns the running conversion for documentID, if any.
func (e *Engine) Status(documentID string) (*Conversion, bool) {
	return e.inflight.get(documentID)
}

// CancelSession stops every running conversion of sessionID and waits until they have
// finished. It returns how many were running.
func (e *Engine) CancelSession(ctx context.Context, sessionID string) (int, error) {
	running := e.inflight.bySession(sessionID)
	for _, c := range running {
		c.cancel()
	}
	for _, c := range running {
		select {
		case <-c.done:
		case <-ctx.Done():
			return len(running), ctx.Err()
		}
	}
	if len(running) > 0 {
		e.logger.Info().Str("session_id", sessionID).Int("conversions", len(running)).Msg("Cancelled session conversions")
	}
	return len(running), nil
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.snapshot(e.inflight.len())
}

// renderOutcome is what a shared render hands to every waiting caller.
type renderOutcome struct {
	pages    []domain.RenderedPage
	applied  domain.ConversionOptions
	attempts int
	err      error
}

func (e *Engine) run(ctx context.Context, conv *Conversion, req Request) *domain.ConversionResult {
	started := e.now()
	logger := e.logger.WithDocument(req.SessionID, req.DocumentID)
	tracker := conv.tracker

	checksum := domain.ContentChecksum(req.PDF)
	key := CacheKey(checksum, req.Options)
	e.markProcessing(ctx, req, checksum, logger)

	entry, err := e.cache.lookup(ctx, key)
	if err != nil {
		logger.Warn().Err(err).Msg("Conversion cache unavailable, converting without it")
	}
	if entry != nil {
		if result, ok := e.serveFromCache(ctx, req, entry, started, logger); ok {
			e.metrics.cacheHits.Add(1)
			e.metrics.succeeded.Add(1)
			e.markDone(ctx, req.DocumentID, domain.StatusReady, result, logger)
			tracker.Emit(domain.ProgressEvent{Stage: domain.StageComplete, Percent: percentComplete, TotalPages: len(result.ImagePaths), Message: "served from cache"})
			return result
		}
	}
	e.metrics.cacheMisses.Add(1)

	tracker.Emit(domain.ProgressEvent{Stage: domain.StageStarting, Percent: 0, Message: "starting conversion"})

	report, err := e.validator.CheckStructure(req.PDF)
	if err != nil {
		return e.fail(ctx, req, tracker, checksum, started, 0, Categorize(err), logger)
	}

	// The render is shared by every document with the same content and options, so it
	// runs detached and each caller stops waiting on its own context.
	leave := e.watchers.add(key, tracker)
	renderCtx := context.WithoutCancel(ctx)
	done := e.renders.DoChan(key, func() (interface{}, error) {
		return e.render(renderCtx, req, key, logger), nil
	})
	var res singleflight.Result
	select {
	case res = <-done:
		leave()
	case <-ctx.Done():
		leave()
		return e.fail(ctx, req, tracker, checksum, started, 0, cancelledFailure(ctx.Err()), logger)
	}
	outcome := res.Val.(*renderOutcome)
	if res.Shared {
		e.metrics.shared.Add(1)
	}
	if outcome.err != nil {
		return e.fail(ctx, req, tracker, checksum, started, outcome.attempts, Categorize(outcome.err), logger)
	}

	// A document that joined after the last page still reports the converting stage.
	if last, ok := tracker.Last(); ok && last.Stage != domain.StageConverting {
		n := len(outcome.pages)
		tracker.Emit(domain.ProgressEvent{
			Stage:      domain.StageConverting,
			Percent:    convertingPercent(n, n),
			Page:       n,
			TotalPages: n,
			Message:    fmt.Sprintf("rendered %d pages", n),
		})
	}

	tracker.Emit(domain.ProgressEvent{Stage: domain.StageStoring, Percent: percentStoring, TotalPages: len(outcome.pages), Message: "storing images"})

	stored, images, err := e.storage.StoreConvertedImages(ctx, req.SessionID, req.DocumentID, outcome.applied.Format, outcome.pages)
	if err != nil {
		return e.fail(ctx, req, tracker, checksum, started, outcome.attempts, Categorize(err), logger)
	}
	if err := ctx.Err(); err != nil {
		e.discard(ctx, req, logger)
		return e.fail(ctx, req, tracker, checksum, started, outcome.attempts, cancelledFailure(err), logger)
	}

	warnings := append([]string(nil), report.Warnings...)
	if outcome.applied != req.Options {
		warnings = append(warnings, fmt.Sprintf("converted with reduced settings: %d DPI, quality %d", outcome.applied.DPI, outcome.applied.Quality))
	}

	duration := e.now().Sub(started)
	result := &domain.ConversionResult{
		Success:    true,
		DocumentID: req.DocumentID,
		SessionID:  req.SessionID,
		ImagePaths: stored.ImagePaths,
		Metadata: domain.ConversionMetadata{
			Checksum:  checksum,
			Requested: req.Options,
			Applied:   outcome.applied,
			Duration:  duration,
			Pages:     images,
			TotalSize: stored.TotalSize,
			Attempts:  outcome.attempts,
			Timestamp: e.now(),
			Warnings:  warnings,
		},
	}

	// Session cleanup may have removed the record while the pages were rendering.
	if err := e.registry.UpdateStatus(ctx, req.DocumentID, domain.StatusReady, result); err != nil {
		if domain.IsType(err, domain.ErrorTypeNotFound) {
			e.discard(ctx, req, logger)
			return e.fail(ctx, req, tracker, checksum, started, outcome.attempts, removedFailure(), logger)
		}
		logger.Warn().Err(err).Str("status", string(domain.StatusReady)).Msg("Failed to record conversion outcome")
	}
	e.remember(ctx, req, key, result, logger)
	e.metrics.succeeded.Add(1)

	logger.Info().
		Int("pages", len(images)).
		Int("attempts", outcome.attempts).
		Dur("duration", duration).
		Msg("Conversion complete")

	tracker.Emit(domain.ProgressEvent{Stage: domain.StageComplete, Percent: percentComplete, TotalPages: len(images), Message: "conversion complete"})
	return result
}

// render walks the retry plan until one attempt succeeds. Progress goes to every tracker
// waiting on key.
func (e *Engine) render(ctx context.Context, req Request, key string, logger *observability.Logger) *renderOutcome {
	plan := e.config.Policy.Plan(req.Options)
	outcome := &renderOutcome{}

	for i, opts := range plan {
		if i > 0 {
			if err := e.sleep(ctx, e.config.Policy.BackoffFor(i-1)); err != nil {
				outcome.err = err
				return outcome
			}
			e.watchers.emit(key, domain.ProgressEvent{
				Stage:   domain.StageConverting,
				Percent: percentConvertStart,
				Message: fmt.Sprintf("retrying at %d DPI, quality %d", opts.DPI, opts.Quality),
			})
		} else {
			e.watchers.emit(key, domain.ProgressEvent{Stage: domain.StageConverting, Percent: percentConvertStart, Message: "rendering pages"})
		}

		outcome.attempts++
		e.metrics.invocations.Add(1)
		pages, err := e.rasterizer.Rasterize(ctx, domain.RasterizeRequest{
			PDF:     req.PDF,
			Pages:   req.Pages,
			Options: opts,
			OnPage: func(done, total int) {
				e.watchers.emit(key, domain.ProgressEvent{
					Stage:      domain.StageConverting,
					Percent:    convertingPercent(done, total),
					Page:       done,
					TotalPages: total,
					Message:    fmt.Sprintf("rendered page %d of %d", done, total),
				})
			},
		})
		if err == nil && len(pages) == 0 {
			err = domain.ConversionError("renderer produced no pages", nil)
		}
		if err == nil {
			outcome.pages = pages
			outcome.applied = opts
			outcome.err = nil
			return outcome
		}

		outcome.err = err
		kind := classify(err)
		logger.Warn().
			Err(err).
			Int("attempt", outcome.attempts).
			Int("dpi", opts.DPI).
			Str("kind", string(kind)).
			Msg("Conversion attempt failed")

		if !e.config.Policy.Retryable(kind) || ctx.Err() != nil {
			break
		}
	}
	return outcome
}

// serveFromCache turns a cache entry into a result for req. A different document gets its
// own copy of the images so the owner's cleanup cannot break it.
func (e *Engine) serveFromCache(ctx context.Context, req Request, entry *CacheEntry, started time.Time, logger *observability.Logger) (*domain.ConversionResult, bool) {
	images := entry.Pages
	total := entry.TotalSize
	if entry.DocumentID != req.DocumentID || entry.SessionID != req.SessionID {
		stored, adopted, err := e.storage.AdoptImages(ctx, req.SessionID, req.DocumentID, entry.Pages)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not reuse cached images, converting again")
			return nil, false
		}
		images = adopted
		total = stored.TotalSize
	}

	paths := make([]string, len(images))
	for i, img := range images {
		paths[i] = img.Path
	}

	logger.Info().Str("checksum", entry.Checksum).Int("pages", len(paths)).Msg("Conversion served from cache")
	return &domain.ConversionResult{
		Success:    true,
		DocumentID: req.DocumentID,
		SessionID:  req.SessionID,
		ImagePaths: paths,
		Metadata: domain.ConversionMetadata{
			Checksum:  entry.Checksum,
			Requested: req.Options,
			Applied:   entry.Applied,
			Duration:  e.now().Sub(started),
			Pages:     images,
			TotalSize: total,
			CacheHit:  true,
			Timestamp: e.now(),
		},
	}, true
}

// remember records a fresh result in the cache unless another document got there first.
func (e *Engine) remember(ctx context.Context, req Request, key string, result *domain.ConversionResult, logger *observability.Logger) {
	if existing, err := e.cache.lookup(ctx, key); err == nil && existing != nil {
		return
	}

	entry := &CacheEntry{
		Checksum:   result.Metadata.Checksum,
		Options:    req.Options,
		Applied:    result.Metadata.Applied,
		DocumentID: req.DocumentID,
		SessionID:  req.SessionID,
		Pages:      result.Metadata.Pages,
		TotalSize:  result.Metadata.TotalSize,
		Duration:   result.Metadata.Duration,
		Attempts:   result.Metadata.Attempts,
		CreatedAt:  e.now(),
	}
	if err := e.cache.store(ctx, key, entry); err != nil {
		logger.Warn().Err(err).Msg("Failed to cache conversion result")
		return
	}
	if err := e.storage.TrackCacheKey(ctx, req.SessionID, key); err != nil {
		logger.Warn().Err(err).Msg("Failed to index cache key for session cleanup")
	}
}

// discard removes images stored for a conversion that no longer has a place to land.
func (e *Engine) discard(ctx context.Context, req Request, logger *observability.Logger) {
	if err := e.storage.DiscardImages(context.WithoutCancel(ctx), req.SessionID, req.DocumentID); err != nil {
		logger.Warn().Err(err).Msg("Failed to discard images of abandoned conversion")
	}
}

func (e *Engine) fail(ctx context.Context, req Request, tracker *Tracker, checksum string, started time.Time, attempts int, failure domain.ConversionFailure, logger *observability.Logger) *domain.ConversionResult {
	e.metrics.failed.Add(1)

	result := &domain.ConversionResult{
		Success:    false,
		DocumentID: req.DocumentID,
		SessionID:  req.SessionID,
		Metadata: domain.ConversionMetadata{
			Checksum:  checksum,
			Requested: req.Options,
			Duration:  e.now().Sub(started),
			Attempts:  attempts,
			Timestamp: e.now(),
		},
		Error: &failure,
	}
	e.markDone(context.WithoutCancel(ctx), req.DocumentID, domain.StatusError, result, logger)

	logger.Error().
		Str("kind", string(failure.Kind)).
		Int("attempts", attempts).
		Str("reason", failure.Message).
		Msg("Conversion failed")

	tracker.Emit(domain.ProgressEvent{
		Stage:      domain.StageError,
		Message:    failure.Message,
		ErrorKind:  failure.Kind,
		Suggestion: failure.Suggestion,
	})
	return result
}

// markProcessing puts the registry record into processing, starting a fresh record when the
// document already finished once.
func (e *Engine) markProcessing(ctx context.Context, req Request, checksum string, logger *observability.Logger) {
	seed := domain.DocumentRecord{
		DocumentID: req.DocumentID,
		SessionID:  req.SessionID,
		Filename:   req.Filename,
		Status:     domain.StatusUploaded,
		Checksum:   checksum,
		Size:       int64(len(req.PDF)),
	}

	rec, created, err := e.registry.GetOrCreate(ctx, seed)
	if err != nil {
		logger.Warn().Err(err).Msg("Registry unavailable")
		return
	}
	if !created && (rec.Status == domain.StatusReady || rec.Status == domain.StatusError) {
		if seed.Filename == "" {
			seed.Filename = rec.Filename
		}
		seed.Metadata = rec.Metadata
		if err := e.registry.Upsert(ctx, seed); err != nil {
			logger.Warn().Err(err).Msg("Failed to reset registry record")
			return
		}
	}
	if err := e.registry.UpdateStatus(ctx, req.DocumentID, domain.StatusProcessing, nil); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark document processing")
	}
}

func (e *Engine) markDone(ctx context.Context, documentID string, status domain.ProcessingStatus, result *domain.ConversionResult, logger *observability.Logger) {
	if err := e.registry.UpdateStatus(ctx, documentID, status, result); err != nil {
		logger.Warn().Err(err).Str("status", string(status)).Msg("Failed to record conversion outcome")
	}
}
