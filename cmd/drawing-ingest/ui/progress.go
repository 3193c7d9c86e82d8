package ui

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Bar is a percentage bar for one conversion.
type Bar interface {
	Set(percent int, stage string)
	Finish(ok bool)
}

// ProgressBar wraps a progressbar instance for a single document.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar creates a 0-100 bar with the given description.
func NewProgressBar(description string) *ProgressBar {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &ProgressBar{bar: bar}
}

// Set moves the bar to percent and shows the stage.
func (p *ProgressBar) Set(percent int, stage string) {
	p.bar.Describe(stage)
	_ = p.bar.Set(percent)
}

// Finish completes the bar, or clears it when the conversion failed.
func (p *ProgressBar) Finish(ok bool) {
	if ok {
		_ = p.bar.Finish()
		return
	}
	_ = p.bar.Clear()
	fmt.Fprint(os.Stderr, "\n")
}

// MultiProgress renders one bar per document for concurrent conversions.
type MultiProgress struct {
	progress *mpb.Progress
}

// NewMultiProgress creates a container writing to stderr.
func NewMultiProgress() *MultiProgress {
	return &MultiProgress{progress: mpb.New(mpb.WithWidth(40), mpb.WithOutput(os.Stderr))}
}

// AddBar adds a 0-100 bar labelled name.
func (m *MultiProgress) AddBar(name string) Bar {
	b := &multiBar{}
	b.stage.Store("queued")
	b.bar = m.progress.AddBar(100,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
			decor.Any(func(decor.Statistics) string { return b.stage.Load().(string) }, decor.WC{W: 11}),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 8}),
		),
	)
	return b
}

// Wait blocks until every bar has completed or been aborted.
func (m *MultiProgress) Wait() {
	m.progress.Wait()
}

type multiBar struct {
	bar   *mpb.Bar
	stage atomic.Value
}

func (b *multiBar) Set(percent int, stage string) {
	b.stage.Store(stage)
	b.bar.SetCurrent(int64(percent))
}

func (b *multiBar) Finish(ok bool) {
	if ok {
		b.stage.Store("done")
		b.bar.SetCurrent(100)
		return
	}
	b.stage.Store("failed")
	b.bar.Abort(false)
}

// Spinner wraps a spinner instance for indeterminate progress display.
type Spinner struct {
	spinner *spinner.Spinner
}

// NewSpinner creates a new spinner with the given message. Quiet mode writes nowhere.
func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	if quiet {
		s.Writer = io.Discard
	}
	return &Spinner{spinner: s}
}

// Start starts the spinner animation.
func (s *Spinner) Start() {
	s.spinner.Start()
}

// Stop stops the spinner animation and clears the line.
func (s *Spinner) Stop() {
	s.spinner.Stop()
}

// UpdateMessage updates the spinner's message.
func (s *Spinner) UpdateMessage(message string) {
	s.spinner.Lock()
	s.spinner.Suffix = " " + message
	s.spinner.Unlock()
}
