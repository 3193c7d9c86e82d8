package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProcessingStatus is the lifecycle state of a document.
type ProcessingStatus string

const (
	StatusUploaded   ProcessingStatus = "uploaded"
	StatusProcessing ProcessingStatus = "processing"
	StatusReady      ProcessingStatus = "ready"
	StatusError      ProcessingStatus = "error"
)

// CanTransitionTo reports whether s may move to next.
// Valid paths are uploaded -> processing -> {ready | error}; ready and error are terminal.
func (s ProcessingStatus) CanTransitionTo(next ProcessingStatus) bool {
	switch s {
	case StatusUploaded:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusReady || next == StatusError
	default:
		return false
	}
}

// UploadedFile represents a PDF persisted to temporary storage
type UploadedFile struct {
	DocumentID   string    `json:"document_id"`
	SessionID    string    `json:"session_id"`
	OriginalName string    `json:"original_name"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	Path         string    `json:"path"`
	Checksum     string    `json:"checksum"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the upload is past its expiry at now.
func (f *UploadedFile) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt)
}

// ValidationMetadata holds structural facts discovered while validating a PDF buffer.
type ValidationMetadata struct {
	EstimatedPages   int      `json:"estimated_pages"`
	PDFVersion       string   `json:"pdf_version,omitempty"`
	DetectedMIME     string   `json:"detected_mime,omitempty"`
	IsEncrypted      bool     `json:"is_encrypted"`
	IsCorrupted      bool     `json:"is_corrupted"`
	// StructuralIssues counts the errors raised by the structural check alone.
	StructuralIssues int      `json:"structural_issues"`
	HasText          bool     `json:"has_text"`
	HasImages        bool     `json:"has_images"`
	HasForms         bool     `json:"has_forms"`
	HasAnnotations   bool     `json:"has_annotations"`
	ActiveContent    []string `json:"active_content,omitempty"`
}

// ValidationResult is the complete report of a single validation pass.
type ValidationResult struct {
	IsValid         bool               `json:"is_valid"`
	Errors          []string           `json:"errors"`
	Warnings        []string           `json:"warnings"`
	Metadata        ValidationMetadata `json:"metadata"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

// AddError records a blocking finding.
func (r *ValidationResult) AddError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// AddWarning records a non-blocking finding.
func (r *ValidationResult) AddWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Recommend appends a recommendation once.
func (r *ValidationResult) Recommend(rec string) {
	for _, existing := range r.Recommendations {
		if existing == rec {
			return
		}
	}
	r.Recommendations = append(r.Recommendations, rec)
}

// Finalize derives IsValid from the collected errors.
func (r *ValidationResult) Finalize() *ValidationResult {
	r.IsValid = len(r.Errors) == 0
	if r.Errors == nil {
		r.Errors = []string{}
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	return r
}

// ImageFormat is the raster output encoding.
type ImageFormat string

const (
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
)

// ParseImageFormat accepts common spellings of the supported formats.
func ParseImageFormat(s string) (ImageFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	default:
		return "", ValidationError(fmt.Sprintf("unsupported image format %q", s), nil)
	}
}

// Extension returns the file extension, without dot, for the format.
func (f ImageFormat) Extension() string {
	if f == FormatPNG {
		return "png"
	}
	return "jpg"
}

// ConversionOptions identify, together with a content checksum, a conversion cache entry.
type ConversionOptions struct {
	DPI     int         `json:"dpi"`
	Format  ImageFormat `json:"format"`
	Quality int         `json:"quality"`
}

// Validate checks option ranges.
func (o ConversionOptions) Validate() error {
	if o.DPI < 36 || o.DPI > 600 {
		return ValidationError(fmt.Sprintf("dpi must be between 36 and 600, got %d", o.DPI), nil)
	}
	if o.Format != FormatJPEG && o.Format != FormatPNG {
		return ValidationError(fmt.Sprintf("unsupported image format %q", o.Format), nil)
	}
	if o.Quality < 1 || o.Quality > 100 {
		return ValidationError(fmt.Sprintf("quality must be between 1 and 100, got %d", o.Quality), nil)
	}
	return nil
}

// WithDefaults fills zero fields from def.
func (o ConversionOptions) WithDefaults(def ConversionOptions) ConversionOptions {
	if o.DPI == 0 {
		o.DPI = def.DPI
	}
	if o.Format == "" {
		o.Format = def.Format
	}
	if o.Quality == 0 {
		o.Quality = def.Quality
	}
	return o
}

// Key is the canonical cache-key fragment for the options.
func (o ConversionOptions) Key() string {
	return fmt.Sprintf("%d-%s-%d", o.DPI, o.Format, o.Quality)
}

// PageRange selects pages to rasterize. Pages are 1-based; Last == 0 means through the final page.
type PageRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// AllPages selects every page of a document.
var AllPages = PageRange{First: 1}

// Bounds resolves the range against a document with total pages, returning 0-based indices [from, to).
func (r PageRange) Bounds(total int) (int, int) {
	first := r.First
	if first < 1 {
		first = 1
	}
	last := r.Last
	if last == 0 || last > total {
		last = total
	}
	if first > last {
		return 0, 0
	}
	return first - 1, last
}

// RenderedPage is a single rasterized page held in memory.
type RenderedPage struct {
	PageNumber int
	Data       []byte
	Width      int
	Height     int
}

// PageImage represents a single converted PDF page on disk
type PageImage struct {
	PageNumber int    `json:"page_number"`
	Path       string `json:"path"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Size       int64  `json:"size"`
}

// ErrorKind is the closed set of conversion failure categories.
type ErrorKind string

const (
	ErrorKindEncrypted ErrorKind = "pdf_encrypted"
	ErrorKindCorrupt   ErrorKind = "pdf_corrupt"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindMemory    ErrorKind = "memory_error"
	ErrorKindTool      ErrorKind = "tool_error"
	ErrorKindUnknown   ErrorKind = "unknown"
)

// ConversionFailure is the structured, user-facing description of a failed conversion.
type ConversionFailure struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion"`
}

// ConversionMetadata describes how a conversion result was produced.
type ConversionMetadata struct {
	Checksum  string            `json:"checksum"`
	Requested ConversionOptions `json:"requested"`
	Applied   ConversionOptions `json:"applied"`
	Duration  time.Duration     `json:"duration"`
	Pages     []PageImage       `json:"pages"`
	TotalSize int64             `json:"total_size"`
	CacheHit  bool              `json:"cache_hit"`
	Attempts  int               `json:"attempts"`
	Timestamp time.Time         `json:"timestamp"`
	Warnings  []string          `json:"warnings,omitempty"`
}

// ConversionResult is returned for every conversion, successful or not.
type ConversionResult struct {
	Success    bool               `json:"success"`
	DocumentID string             `json:"document_id"`
	SessionID  string             `json:"session_id"`
	ImagePaths []string           `json:"image_paths"`
	Metadata   ConversionMetadata `json:"metadata"`
	Error      *ConversionFailure `json:"error,omitempty"`
}

// ConvertedImages is the per-document record of stored page images, in page order.
type ConvertedImages struct {
	DocumentID string    `json:"document_id"`
	SessionID  string    `json:"session_id"`
	ImagePaths []string  `json:"image_paths"`
	TotalSize  int64     `json:"total_size"`
	StoredAt   time.Time `json:"stored_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the image set is past its expiry at now.
func (c *ConvertedImages) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// DocumentRecord tracks per-document processing state.
type DocumentRecord struct {
	DocumentID string            `json:"document_id"`
	SessionID  string            `json:"session_id"`
	Filename   string            `json:"filename"`
	Status     ProcessingStatus  `json:"status"`
	PageCount  int               `json:"page_count"`
	Checksum   string            `json:"checksum"`
	Size       int64             `json:"size"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Conversion *ConversionResult `json:"conversion,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// CleanupTier names a cleanup pass.
type CleanupTier string

const (
	TierHourly  CleanupTier = "hourly"
	TierDaily   CleanupTier = "daily"
	TierWeekly  CleanupTier = "weekly"
	TierSession CleanupTier = "session"
)

// CleanupJob is an audit record of one cleanup pass.
type CleanupJob struct {
	ID                  string      `json:"id"`
	Tier                CleanupTier `json:"tier"`
	SessionID           string      `json:"session_id,omitempty"`
	DocumentIDs         []string    `json:"document_ids"`
	ScheduledAt         time.Time   `json:"scheduled_at"`
	CompletedAt         time.Time   `json:"completed_at"`
	FilesRemoved        int         `json:"files_removed"`
	CacheEntriesRemoved int         `json:"cache_entries_removed"`
	RecordsRemoved      int         `json:"records_removed"`
	BytesFreed          int64       `json:"bytes_freed"`
	Errors              []string    `json:"errors,omitempty"`
}

// ProgressStage is a step in a conversion's progress sequence.
type ProgressStage string

const (
	StageStarting   ProgressStage = "starting"
	StageConverting ProgressStage = "converting"
	StageStoring    ProgressStage = "storing"
	StageComplete   ProgressStage = "complete"
	StageError      ProgressStage = "error"
)

// Rank orders stages; error shares the terminal rank with complete.
func (s ProgressStage) Rank() int {
	switch s {
	case StageStarting:
		return 0
	case StageConverting:
		return 1
	case StageStoring:
		return 2
	case StageComplete, StageError:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further events follow s.
func (s ProgressStage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// ProgressEvent represents an event emitted during conversion
type ProgressEvent struct {
	DocumentID string        `json:"document_id"`
	SessionID  string        `json:"session_id"`
	Stage      ProgressStage `json:"stage"`
	Percent    int           `json:"percent"`
	Page       int           `json:"page,omitempty"`
	TotalPages int           `json:"total_pages,omitempty"`
	Message    string        `json:"message,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Notification event types published to the gateway.
const (
	EventConversionProgress = "conversion.progress"
	EventConversionComplete = "conversion.complete"
	EventConversionError    = "conversion.error"
	EventSessionCleaned     = "session.cleaned"
)
