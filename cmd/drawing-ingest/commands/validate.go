package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spherical/drawing-ingest/cmd/drawing-ingest/ui"
	"github.com/spherical/drawing-ingest/internal/app"
	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/pdf"
)

var validateFallback bool

var validateCmd = &cobra.Command{
	Use:   "validate <file.pdf>...",
	Short: "Check PDFs against the upload policy",
	Long: `Run every upload check (size, type, structure, encryption, page count) and
report all findings for each file. Exits non-zero when any file would be rejected.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateFallback, "fallback", false, "also run relaxed validation on structurally flagged files")
	rootCmd.AddCommand(validateCmd)
}

type validateReport struct {
	File       string                   `json:"file"`
	Validation *domain.ValidationResult `json:"validation"`
	Fallback   *pdf.FallbackResult      `json:"fallback,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	validator := pdf.NewValidator(app.ValidatorConfig(cfg), pdf.NewPDFCPUProber())

	reports := make([]validateReport, 0, len(args))
	rejected := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		// Files on disk carry no declared type; trust the extension the way a browser would.
		result := validator.Validate(data, int64(len(data)), mimeForPath(path))
		report := validateReport{File: path, Validation: result}
		if validateFallback && result.Metadata.IsCorrupted {
			report.Fallback = validator.ValidateFallback(data)
		}
		if !result.IsValid && (report.Fallback == nil || !report.Fallback.CanProceed) {
			rejected++
		}
		reports = append(reports, report)
		printValidation(report)
	}

	if outputJSON {
		if err := printJSON(reports); err != nil {
			return err
		}
	}

	if rejected > 0 {
		return fmt.Errorf("%d of %d files failed validation", rejected, len(args))
	}
	return nil
}

func mimeForPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return "application/pdf"
	}
	return "application/octet-stream"
}

func printValidation(r validateReport) {
	v := r.Validation
	name := filepath.Base(r.File)

	switch {
	case v.IsValid:
		ui.Success("%s is valid", name)
	case r.Fallback != nil && r.Fallback.CanProceed:
		ui.Warning("%s failed strict validation but can proceed with relaxed checks", name)
	default:
		ui.Error("%s was rejected", name)
	}

	ui.Table([]string{"Property", "Value"}, [][]string{
		{"PDF version", v.Metadata.PDFVersion},
		{"Detected type", v.Metadata.DetectedMIME},
		{"Pages", strconv.Itoa(v.Metadata.EstimatedPages)},
		{"Encrypted", strconv.FormatBool(v.Metadata.IsEncrypted)},
		{"Has text", strconv.FormatBool(v.Metadata.HasText)},
		{"Has images", strconv.FormatBool(v.Metadata.HasImages)},
	})
	ui.List("Errors", v.Errors)
	ui.List("Warnings", v.Warnings)
	ui.List("Recommendations", v.Recommendations)
	if r.Fallback != nil {
		ui.List("Relaxed check errors", r.Fallback.Errors)
		ui.List("Relaxed check warnings", r.Fallback.Warnings)
	}
	ui.Newline()
}
