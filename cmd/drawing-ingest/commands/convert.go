package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spherical/drawing-ingest/cmd/drawing-ingest/ui"
	"github.com/spherical/drawing-ingest/internal/app"
	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/ingest"
	"golang.org/x/sync/errgroup"
)

var (
	convertOut     string
	convertSession string
	convertDPI     int
	convertFormat  string
	convertQuality int
	convertJobs    int
)

var convertCmd = &cobra.Command{
	Use:   "convert <file.pdf>...",
	Short: "Convert drawings to page images",
	Long: `Validate each PDF, store it and render every page through the conversion engine.
Files are converted concurrently; identical content is rendered once and served from the
conversion cache afterwards.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVarP(&convertOut, "out", "o", "", "storage root for uploads and images (default: storage.root from config)")
	convertCmd.Flags().StringVarP(&convertSession, "session", "s", "", "session ID to group the documents under (default: new session)")
	convertCmd.Flags().IntVar(&convertDPI, "dpi", 0, "render resolution (default: conversion.dpi from config)")
	convertCmd.Flags().StringVar(&convertFormat, "format", "", "image format: jpeg or png (default: conversion.format from config)")
	convertCmd.Flags().IntVar(&convertQuality, "quality", 0, "JPEG quality 1-100 (default: conversion.quality from config)")
	convertCmd.Flags().IntVarP(&convertJobs, "jobs", "j", 2, "number of files converted at once")
	rootCmd.AddCommand(convertCmd)
}

type convertReport struct {
	File       string                   `json:"file"`
	DocumentID string                   `json:"document_id,omitempty"`
	SessionID  string                   `json:"session_id"`
	Validation *domain.ValidationResult `json:"validation,omitempty"`
	Result     *domain.ConversionResult `json:"result,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func (r convertReport) ok() bool {
	return r.Error == "" && r.Result != nil && r.Result.Success
}

func runConvert(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := convertOptions()
	if err != nil {
		return err
	}

	if convertOut != "" {
		cfg.Storage.Root = convertOut
	}
	// No websocket clients here: events only need to reach the log.
	cfg.Notify.Driver = "log"

	a, err := app.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Close()

	sessionID := convertSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ui.Info("Session %s, storage root %s", sessionID, a.Storage.Root())

	bars, wait := newBars(args)

	reports := make([]convertReport, len(args))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(convertJobs, 1))
	for i, path := range args {
		i, path := i, path
		g.Go(func() error {
			reports[i] = convertFile(gctx, a.Service, sessionID, path, opts, bars[i])
			return nil
		})
	}
	_ = g.Wait()
	wait()

	if outputJSON {
		if err := printJSON(reports); err != nil {
			return err
		}
	}
	printConvertSummary(reports)

	failed := 0
	for _, r := range reports {
		if !r.ok() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to convert", failed, len(args))
	}
	return nil
}

func convertOptions() (domain.ConversionOptions, error) {
	opts := domain.ConversionOptions{DPI: convertDPI, Quality: convertQuality}
	if convertFormat != "" {
		f, err := domain.ParseImageFormat(convertFormat)
		if err != nil {
			return opts, err
		}
		opts.Format = f
	}
	return opts, nil
}

// newBars picks a single bar for one file and a multi-bar container otherwise. The
// returned wait func blocks until the container has rendered its final frame.
func newBars(files []string) ([]ui.Bar, func()) {
	bars := make([]ui.Bar, len(files))
	if ui.Quiet() {
		for i := range bars {
			bars[i] = nopBar{}
		}
		return bars, func() {}
	}

	if len(files) == 1 {
		bars[0] = ui.NewProgressBar(filepath.Base(files[0]))
		return bars, func() {}
	}

	multi := ui.NewMultiProgress()
	for i, f := range files {
		bars[i] = multi.AddBar(filepath.Base(f))
	}
	return bars, multi.Wait
}

type nopBar struct{}

func (nopBar) Set(int, string) {}
func (nopBar) Finish(bool)     {}

func convertFile(ctx context.Context, svc *ingest.Service, sessionID, path string, opts domain.ConversionOptions, bar ui.Bar) convertReport {
	report := convertReport{File: path, SessionID: sessionID}

	data, err := os.ReadFile(path)
	if err != nil {
		bar.Finish(false)
		report.Error = err.Error()
		return report
	}

	result, err := svc.ProcessFile(ctx, ingest.UploadRequest{
		SessionID:   sessionID,
		Filename:    filepath.Base(path),
		ContentType: mimeForPath(path),
		Data:        data,
		Options:     opts,
	})
	if err != nil {
		bar.Finish(false)
		report.Error = err.Error()
		return report
	}
	report.DocumentID = result.DocumentID
	if !result.Accepted {
		bar.Finish(false)
		report.Validation = result.Validation
		report.Error = "rejected by validation"
		return report
	}

	events, cancel := result.Conversion.Subscribe()
	defer cancel()
	for ev := range events {
		bar.Set(ev.Percent, string(ev.Stage))
	}

	conv, err := result.Conversion.Wait(ctx)
	if err != nil {
		bar.Finish(false)
		report.Error = err.Error()
		return report
	}
	report.Result = conv
	bar.Finish(conv.Success)
	return report
}

func printConvertSummary(reports []convertReport) {
	ui.Section("Conversion Summary")

	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		row := []string{filepath.Base(r.File), "failed", "-", "-", "-", "-"}
		if r.Result != nil {
			meta := r.Result.Metadata
			if r.Result.Success {
				row[1] = "ok"
			}
			row[2] = strconv.Itoa(len(r.Result.ImagePaths))
			row[3] = strconv.FormatBool(meta.CacheHit)
			row[4] = strconv.Itoa(meta.Attempts)
			row[5] = ui.FormatDuration(meta.Duration)
		}
		rows = append(rows, row)
	}
	ui.Table([]string{"File", "Status", "Pages", "Cached", "Attempts", "Duration"}, rows)
	ui.Newline()

	for _, r := range reports {
		name := filepath.Base(r.File)
		switch {
		case r.ok():
			ui.Success("%s → %s", name, filepath.Dir(r.Result.ImagePaths[0]))
			ui.List("", r.Result.Metadata.Warnings)
		case r.Validation != nil:
			ui.Error("%s rejected", name)
			ui.List("Errors", r.Validation.Errors)
			ui.List("Recommendations", r.Validation.Recommendations)
		case r.Result != nil && r.Result.Error != nil:
			ui.Error("%s: %s", name, r.Result.Error.Message)
			ui.Info("%s", r.Result.Error.Suggestion)
		default:
			ui.Error("%s: %s", name, r.Error)
		}
	}
}
