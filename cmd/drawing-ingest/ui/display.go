// Package ui provides terminal output helpers for the drawing-ingest CLI.
package ui

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

var (
	quiet   bool
	verbose bool
)

// InitUI applies the global output settings. Quiet mode (used with --json) suppresses
// everything but machine-readable output.
func InitUI(noColor, verboseOutput, quietOutput bool) {
	verbose = verboseOutput
	quiet = quietOutput
	if noColor {
		color.NoColor = true
	}
}

// Quiet reports whether human-oriented output is suppressed.
func Quiet() bool {
	return quiet
}

// Success displays a success message.
func Success(format string, args ...interface{}) {
	if quiet {
		return
	}
	color.New(color.FgGreen).Fprintf(os.Stdout, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Error displays an error message to stderr.
func Error(format string, args ...interface{}) {
	if quiet {
		return
	}
	color.New(color.FgRed).Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
}

// Warning displays a warning message.
func Warning(format string, args ...interface{}) {
	if quiet {
		return
	}
	color.New(color.FgYellow).Fprintf(os.Stdout, "⚠ %s\n", fmt.Sprintf(format, args...))
}

// Info displays an informational message.
func Info(format string, args ...interface{}) {
	if quiet {
		return
	}
	color.New(color.FgCyan).Fprintf(os.Stdout, "ℹ %s\n", fmt.Sprintf(format, args...))
}

// Debug displays a message only in verbose mode.
func Debug(format string, args ...interface{}) {
	if quiet || !verbose {
		return
	}
	color.New(color.Faint).Fprintf(os.Stdout, "  %s\n", fmt.Sprintf(format, args...))
}

// Newline prints a newline.
func Newline() {
	if quiet {
		return
	}
	fmt.Fprintln(os.Stdout)
}

// Section displays a section header.
func Section(title string) {
	if quiet {
		return
	}
	color.New(color.Bold).Fprintf(os.Stdout, "\n%s\n", title)
	fmt.Fprintf(os.Stdout, "%s\n\n", strings.Repeat("=", len(title)))
}

// List prints items as bullets under an optional label.
func List(label string, items []string) {
	if quiet || len(items) == 0 {
		return
	}
	if label != "" {
		fmt.Fprintf(os.Stdout, "%s:\n", label)
	}
	for _, item := range items {
		fmt.Fprintf(os.Stdout, "  • %s\n", item)
	}
}

// Table displays data in a formatted table.
func Table(headers []string, rows [][]string) {
	if quiet {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, strings.Join(headers, "\t"))

	separator := make([]string, len(headers))
	for i := range separator {
		separator[i] = strings.Repeat("-", len(headers[i]))
	}
	fmt.Fprintln(w, strings.Join(separator, "\t"))

	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	_ = w.Flush()
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
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

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
