package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spherical/drawing-ingest/internal/cache"
	"github.com/spherical/drawing-ingest/internal/conversion"
	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/notify"
	"github.com/spherical/drawing-ingest/internal/observability"
	"github.com/spherical/drawing-ingest/internal/pdf"
	"github.com/spherical/drawing-ingest/internal/registry"
	"github.com/spherical/drawing-ingest/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type drawingSpec struct {
	pages         int
	skipStartXref bool
}

func drawing(spec drawingSpec) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.6\n")
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	kids := make([]string, spec.pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+4)
	}
	fmt.Fprintf(&b, "2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n", strings.Join(kids, " "), spec.pages)
	b.WriteString("3 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")
	for i := 0; i < spec.pages; i++ {
		fmt.Fprintf(&b, "%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 1224 792] /Resources << /Font << /F1 3 0 R >> >> >>\nendobj\n", i+4)
	}

	tail := "trailer\n<< /Root 1 0 R >>\nstartxref\n0\n%%EOF\n"
	if spec.skipStartXref {
		tail = "trailer\n<< /Root 1 0 R >>\n%%EOF\n"
	}
	for b.Len()+len(tail) < 2048 {
		b.WriteString("% padding padding padding padding padding padding padding padding\n")
	}
	b.WriteString(tail)
	return b.Bytes()
}

type stubRasterizer struct {
	mu    sync.Mutex
	calls int
	err   error
	gate  chan struct{}
}

func (s *stubRasterizer) Rasterize(ctx context.Context, req domain.RasterizeRequest) ([]domain.RenderedPage, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	pages := []domain.RenderedPage{
		{PageNumber: 1, Data: []byte("one"), Width: 10, Height: 10},
		{PageNumber: 2, Data: []byte("two"), Width: 10, Height: 10},
	}
	for i := range pages {
		if req.OnPage != nil {
			req.OnPage(i+1, len(pages))
		}
	}
	return pages, nil
}

func (s *stubRasterizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type pingFailingCache struct {
	*cache.MemoryClient
}

func (pingFailingCache) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	service    *Service
	rasterizer *stubRasterizer
	records    *registry.MemoryStore
	hub        *notify.Hub
	disk       *storage.DiskMonitor
	used       float64
}

func newFixture(t *testing.T, metaCache cache.Client) *fixture {
	t.Helper()
	logger := observability.Nop()

	if metaCache == nil {
		metaCache = cache.NewMemoryClient(0)
	}
	fsys, err := storage.NewLocalFS(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		rasterizer: &stubRasterizer{},
		records:    registry.NewMemoryStore(),
		hub:        notify.NewHub(16, logger),
		used:       20,
	}
	f.disk = storage.NewDiskMonitor(fsys.Root(), 85, logger).WithUsageFunc(
		func(ctx context.Context, path string) (float64, uint64, error) {
			return f.used, 1 << 30, nil
		})

	convCache := cache.NewMemoryClient(0)
	manager, err := storage.NewManager(fsys, metaCache, storage.DefaultConfig(), logger,
		storage.WithRecordStore(f.records),
		storage.WithConversionCache(convCache),
		storage.WithDiskMonitor(f.disk),
	)
	require.NoError(t, err)

	validator := pdf.NewValidator(pdf.DefaultValidatorConfig(), nil)
	engine, err := conversion.NewEngine(conversion.Deps{
		Validator:  validator,
		Rasterizer: f.rasterizer,
		Storage:    manager,
		Registry:   f.records,
		Cache:      convCache,
		Publisher:  f.hub,
	}, conversion.DefaultConfig(), logger,
		conversion.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	f.service, err = NewService(Deps{
		Validator: validator,
		Storage:   manager,
		Engine:    engine,
		Registry:  f.records,
		Publisher: f.hub,
		Cache:     metaCache,
	}, logger)
	require.NoError(t, err)
	return f
}

func upload(data []byte) UploadRequest {
	return UploadRequest{
		SessionID:   "session-1",
		Filename:    "panel-schedule.pdf",
		ContentType: "application/pdf",
		Data:        data,
	}
}

func wait(t *testing.T, result *ProcessResult) *domain.ConversionResult {
	t.Helper()
	require.NotNil(t, result.Conversion)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := result.Conversion.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestProcessFile_EndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	events, cancel, err := f.hub.Subscribe(ctx, "session-1")
	require.NoError(t, err)
	defer cancel()

	result, err := f.service.ProcessFile(ctx, upload(drawing(drawingSpec{pages: 2})))
	require.NoError(t, err)
	require.True(t, result.Accepted, "%v", result.Validation.Errors)
	assert.Nil(t, result.Fallback)
	assert.NotEmpty(t, result.DocumentID)
	assert.FileExists(t, result.Upload.Path)

	converted := wait(t, result)
	require.True(t, converted.Success)
	assert.Len(t, converted.ImagePaths, 2)

	images, err := f.service.GetConvertedImages(ctx, result.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, converted.ImagePaths, images.ImagePaths)

	status, err := f.service.GetProcessingStatus(ctx, result.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, status.Record.Status)
	assert.Equal(t, "panel-schedule.pdf", status.Record.Filename)
	assert.Equal(t, "1.6", status.Record.Metadata["pdf_version"])
	assert.False(t, status.Active)

	metrics, err := f.service.GetConversionMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Registry.ByStatus[domain.StatusReady])
	assert.Equal(t, int64(1), metrics.Conversion.ConversionsStarted)

	var types []string
	timeout := time.After(time.Second)
	for len(types) == 0 || types[len(types)-1] != domain.EventConversionComplete {
		select {
		case env := <-events:
			types = append(types, env.Type)
		case <-timeout:
			t.Fatalf("no completion event, got %v", types)
		}
	}
	assert.Equal(t, domain.EventConversionProgress, types[0])
}

func TestProcessFile_RejectsPolicyViolations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := upload(drawing(drawingSpec{pages: 2}))
	req.ContentType = "image/png"
	result, err := f.service.ProcessFile(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Nil(t, result.Conversion)
	assert.Nil(t, result.Upload)
	assert.NotEmpty(t, result.Validation.Errors)

	_, err = f.service.GetProcessingStatus(ctx, result.DocumentID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))
	assert.Zero(t, f.rasterizer.calls)

	tooMany := upload(drawing(drawingSpec{pages: 25}))
	result, err = f.service.ProcessFile(ctx, tooMany)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Validation.Recommendations, pdf.RecommendSplit)

	_, err = f.service.ProcessFile(ctx, UploadRequest{SessionID: "s"})
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}

func TestProcessFile_FallbackAcceptsStructuralOnlyFailures(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.service.ProcessFile(context.Background(), upload(drawing(drawingSpec{pages: 2, skipStartXref: true})))
	require.NoError(t, err)
	assert.False(t, result.Validation.IsValid)
	require.NotNil(t, result.Fallback)
	assert.True(t, result.Fallback.CanProceed)
	assert.True(t, result.Accepted)

	converted := wait(t, result)
	assert.True(t, converted.Success)
	assert.NotEmpty(t, converted.Metadata.Warnings)
}

func TestProcessFile_ConversionFailureIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.rasterizer.err = errors.New("mupdf: render failed")
	ctx := context.Background()

	result, err := f.service.ProcessFile(ctx, upload(drawing(drawingSpec{pages: 2})))
	require.NoError(t, err)
	converted := wait(t, result)
	assert.False(t, converted.Success)

	status, err := f.service.GetProcessingStatus(ctx, result.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, status.Record.Status)
	require.NotNil(t, status.Progress)
	assert.Equal(t, domain.ErrorKindTool, status.Progress.ErrorKind)
	assert.NotEmpty(t, status.Progress.Suggestion)
}

func TestCleanupSession_RemovesSessionAndAnnounces(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	kept, err := f.service.ProcessFile(ctx, UploadRequest{
		SessionID: "session-2", Filename: "other.pdf", ContentType: "application/pdf",
		Data: drawing(drawingSpec{pages: 1}),
	})
	require.NoError(t, err)
	wait(t, kept)

	result, err := f.service.ProcessFile(ctx, upload(drawing(drawingSpec{pages: 2})))
	require.NoError(t, err)
	wait(t, result)

	events, cancel, err := f.hub.Subscribe(ctx, "session-1")
	require.NoError(t, err)
	defer cancel()

	job, err := f.service.CleanupSession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, []string{result.DocumentID}, job.DocumentIDs)
	assert.Equal(t, 1, job.RecordsRemoved)

	select {
	case env := <-events:
		assert.Equal(t, domain.EventSessionCleaned, env.Type)
	case <-time.After(time.Second):
		t.Fatal("no cleanup event")
	}

	_, err = f.service.GetProcessingStatus(ctx, result.DocumentID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))
	_, err = f.service.GetConvertedImages(ctx, result.DocumentID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))

	_, err = f.service.GetConvertedImages(ctx, kept.DocumentID)
	assert.NoError(t, err)

	again, err := f.service.CleanupSession(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, again.DocumentIDs)
}

func TestCleanupSession_StopsRunningConversion(t *testing.T) {
	f := newFixture(t, nil)
	f.rasterizer.gate = make(chan struct{})
	defer close(f.rasterizer.gate)
	ctx := context.Background()

	result, err := f.service.ProcessFile(ctx, upload(drawing(drawingSpec{pages: 2})))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.rasterizer.Calls() == 1 }, time.Second, 5*time.Millisecond)

	job, err := f.service.CleanupSession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, []string{result.DocumentID}, job.DocumentIDs)
	assert.Equal(t, 1, job.RecordsRemoved)

	out := wait(t, result)
	assert.False(t, out.Success)
	assert.Equal(t, "conversion cancelled", out.Error.Message)

	_, err = f.service.GetProcessingStatus(ctx, result.DocumentID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))
	_, err = f.service.GetConvertedImages(ctx, result.DocumentID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))

	again, err := f.service.CleanupSession(ctx, "session-1")
	require.NoError(t, err)
	assert.Empty(t, again.DocumentIDs)
	assert.Zero(t, again.FilesRemoved)
	assert.Zero(t, again.RecordsRemoved)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.disk.Check(ctx)
	report := f.service.Health(ctx)
	assert.Equal(t, HealthOK, report.Status)
	assert.Equal(t, HealthOK, report.Checks["cache"])
	require.NotNil(t, report.Disk)

	f.used = 95
	f.disk.Check(ctx)
	report = f.service.Health(ctx)
	assert.Equal(t, HealthDegraded, report.Status)
	assert.Equal(t, "low space", report.Checks["disk"])
}

func TestHealth_CacheUnavailable(t *testing.T) {
	f := newFixture(t, pingFailingCache{cache.NewMemoryClient(0)})

	report := f.service.Health(context.Background())
	assert.Equal(t, HealthDegraded, report.Status)
	assert.Contains(t, report.Checks["cache"], "unavailable")
}
