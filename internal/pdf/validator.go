package pdf

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spherical/drawing-ingest/internal/domain"
)

const (
	defaultMaxFileSize   = 50 * 1024 * 1024
	defaultMinFileSize   = 1024
	defaultAllowedMIME   = "application/pdf"
	defaultMaxPages      = 20
	defaultWarnPages     = 10
	defaultTrailerWindow = 100
)

// Recommendation texts surfaced to callers.
const (
	RecommendSplit        = "Split the drawing set into smaller files (20 pages or fewer each)"
	RecommendLongRun      = "Large document: expect longer processing time"
	RecommendReexport     = "Re-export the drawing from the authoring tool as a standard PDF"
	RecommendPassword     = "Remove password protection before uploading"
	RecommendReviewActive = "Review the document source: it contains active content that will be ignored"
	RecommendCompress     = "Reduce file size by lowering embedded image resolution"
)

// ValidatorConfig holds validation limits.
type ValidatorConfig struct {
	MaxFileSize   int64
	MinFileSize   int64
	AllowedMIME   string
	MaxPages      int
	WarnPages     int
	TrailerWindow int
}

// DefaultValidatorConfig returns the default limits.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxFileSize:   defaultMaxFileSize,
		MinFileSize:   defaultMinFileSize,
		AllowedMIME:   defaultAllowedMIME,
		MaxPages:      defaultMaxPages,
		WarnPages:     defaultWarnPages,
		TrailerWindow: defaultTrailerWindow,
	}
}

// Validator provides input validation for uploaded PDF buffers. It has no side effects.
type Validator struct {
	cfg    ValidatorConfig
	prober Prober
}

// NewValidator creates a new validator instance. prober may be nil, in which case
// encryption is never treated as blocking and fallback validation reports no page count.
func NewValidator(cfg ValidatorConfig, prober Prober) *Validator {
	def := DefaultValidatorConfig()
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.MinFileSize <= 0 {
		cfg.MinFileSize = def.MinFileSize
	}
	if cfg.AllowedMIME == "" {
		cfg.AllowedMIME = def.AllowedMIME
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.WarnPages <= 0 {
		cfg.WarnPages = def.WarnPages
	}
	if cfg.TrailerWindow <= 0 {
		cfg.TrailerWindow = def.TrailerWindow
	}
	return &Validator{cfg: cfg, prober: prober}
}

// Config returns the active limits.
func (v *Validator) Config() ValidatorConfig {
	return v.cfg
}

// Validate runs every check and accumulates findings so one pass yields a complete report.
// A declaredSize <= 0 means "use the buffer length".
func (v *Validator) Validate(buf []byte, declaredSize int64, declaredMIME string) *domain.ValidationResult {
	result := &domain.ValidationResult{}
	if declaredSize <= 0 {
		declaredSize = int64(len(buf))
	}

	// 1. Size bounds
	if declaredSize > v.cfg.MaxFileSize {
		result.AddError("file size %s exceeds the maximum of %s", humanSize(declaredSize), humanSize(v.cfg.MaxFileSize))
		result.Recommend(RecommendCompress)
		result.Recommend(RecommendSplit)
	}
	if declaredSize < v.cfg.MinFileSize {
		result.AddError("file size %s is below the minimum of %s: too small to be a valid PDF", humanSize(declaredSize), humanSize(v.cfg.MinFileSize))
	}
	if declaredSize != int64(len(buf)) {
		result.AddWarning("declared size %d does not match received %d bytes", declaredSize, len(buf))
	}

	// 2. MIME allow-list
	declared := normalizeMIME(declaredMIME)
	if declared != v.cfg.AllowedMIME {
		result.AddError("unsupported content type %q: only %s is accepted", declaredMIME, v.cfg.AllowedMIME)
	}

	// 3. Magic-byte sniffing, independent of the declared type
	detected := normalizeMIME(mimetype.Detect(buf).String())
	result.Metadata.DetectedMIME = detected
	if detected != declared {
		result.AddError("file content does not match declared type %q: detected %s", declaredMIME, detected)
	}

	// 4. Structure
	findings := checkStructure(buf, v.cfg.TrailerWindow)
	if !findings.ok() {
		result.Metadata.IsCorrupted = true
		result.Metadata.StructuralIssues = len(findings.problems)
		for _, problem := range findings.problems {
			result.AddError("%s", problem)
		}
		result.Recommend(RecommendReexport)
	}
	result.Metadata.PDFVersion = pdfVersion(buf)

	// 5. Content analysis
	facts := analyzeContent(buf)
	result.Metadata.EstimatedPages = facts.pages
	result.Metadata.HasText = facts.hasText
	result.Metadata.HasImages = facts.hasImages
	result.Metadata.HasForms = facts.hasForms
	result.Metadata.HasAnnotations = facts.hasAnnotations
	if facts.pages == 0 {
		result.AddWarning("could not determine page count from document structure")
	}
	if !facts.hasText && !facts.hasImages && facts.pages > 0 {
		result.AddWarning("no text or image content detected: pages may render blank")
	}

	// 6. Security scan
	v.checkEncryption(buf, result)
	if active := scanActiveContent(buf); len(active) > 0 {
		result.Metadata.ActiveContent = active
		result.AddWarning("document contains active content (%s); it will be ignored during conversion", strings.Join(active, ", "))
		result.Recommend(RecommendReviewActive)
	}

	// 7. Page-count policy
	switch {
	case facts.pages > v.cfg.MaxPages:
		result.AddError("document has %d pages: the maximum is %d", facts.pages, v.cfg.MaxPages)
		result.Recommend(RecommendSplit)
	case facts.pages > v.cfg.WarnPages:
		result.AddWarning("document has %d pages: processing will take longer than usual", facts.pages)
		result.Recommend(RecommendLongRun)
	}

	return result.Finalize()
}

// checkEncryption records encryption and blocks only when the document cannot be opened
// without a user password.
func (v *Validator) checkEncryption(buf []byte, result *domain.ValidationResult) {
	if !isEncrypted(buf) {
		return
	}
	result.Metadata.IsEncrypted = true

	if v.needsPassword(buf) {
		result.AddError("document is password protected and cannot be opened")
		result.Recommend(RecommendPassword)
		return
	}
	result.AddWarning("document is encrypted with owner restrictions: conversion will be attempted")
}

func (v *Validator) needsPassword(buf []byte) bool {
	if v.prober == nil {
		return false
	}
	probe, err := v.prober.Probe(buf)
	if err != nil || probe == nil {
		return false
	}
	return probe.NeedsPassword
}

// FallbackResult is the outcome of the relaxed validation path.
type FallbackResult struct {
	CanProceed bool     `json:"can_proceed"`
	Errors     []string `json:"errors"`
	Warnings   []string `json:"warnings"`
	PageCount  int      `json:"page_count"`
	Encrypted  bool     `json:"encrypted"`
}

// ValidateFallback trades strictness for availability: a buffer with a header, an end
// marker and a plausible size may proceed even when the structural heuristics flag it.
func (v *Validator) ValidateFallback(buf []byte) *FallbackResult {
	result := &FallbackResult{Errors: []string{}, Warnings: []string{}}

	if int64(len(buf)) < v.cfg.MinFileSize {
		result.Errors = append(result.Errors, fmt.Sprintf("file size %s is below the minimum of %s", humanSize(int64(len(buf))), humanSize(v.cfg.MinFileSize)))
	}
	if !hasHeader(buf) {
		result.Errors = append(result.Errors, "missing PDF header: file does not start with %PDF-")
	}
	if !hasEOFMarker(buf, v.cfg.TrailerWindow) {
		result.Errors = append(result.Errors, "missing %%EOF marker near end of file: the document appears to be truncated")
	}

	findings := checkStructure(buf, v.cfg.TrailerWindow)
	for _, problem := range findings.problems {
		if strings.HasPrefix(problem, "missing PDF header") || strings.HasPrefix(problem, "missing %%EOF") {
			continue
		}
		result.Warnings = append(result.Warnings, "structural check: "+problem)
	}
	if !findings.ok() && len(result.Errors) == 0 {
		result.Warnings = append(result.Warnings, "document failed strict structural validation: conversion will proceed with reduced confidence")
	}

	result.Encrypted = isEncrypted(buf)
	result.PageCount = estimatePageCount(buf)

	if len(result.Errors) == 0 && v.prober != nil {
		probe, err := v.prober.Probe(buf)
		switch {
		case err != nil:
			result.Warnings = append(result.Warnings, "PDF parser could not read the document: rendering may fail")
		case probe.NeedsPassword:
			result.Errors = append(result.Errors, "document is password protected and cannot be opened")
		default:
			if probe.PageCount > 0 {
				result.PageCount = probe.PageCount
			}
			result.Encrypted = result.Encrypted || probe.Encrypted
		}
	}

	result.CanProceed = len(result.Errors) == 0
	return result
}

// StructureReport is the Conversion Engine's pre-check outcome.
type StructureReport struct {
	Strict    bool
	Warnings  []string
	PageCount int
}

// CheckStructure runs the strict structural check, dropping to fallback validation when it
// fails. It returns a validation error only when the fallback path cannot proceed either.
func (v *Validator) CheckStructure(buf []byte) (*StructureReport, error) {
	findings := checkStructure(buf, v.cfg.TrailerWindow)
	if findings.ok() {
		return &StructureReport{Strict: true, PageCount: estimatePageCount(buf)}, nil
	}

	fallback := v.ValidateFallback(buf)
	if !fallback.CanProceed {
		return nil, domain.ValidationError(
			"document failed structural validation: "+strings.Join(fallback.Errors, "; "), nil,
		).WithRecommendations(RecommendReexport)
	}

	return &StructureReport{
		Strict:    false,
		Warnings:  fallback.Warnings,
		PageCount: fallback.PageCount,
	}, nil
}

// normalizeMIME strips parameters and lowercases a media type.
func normalizeMIME(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(s); err == nil {
		return strings.ToLower(mediaType)
	}
	return strings.ToLower(s)
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
