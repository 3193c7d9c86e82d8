// Package commands implements the drawing-ingest CLI.
package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spherical/drawing-ingest/cmd/drawing-ingest/ui"
	"github.com/spherical/drawing-ingest/internal/config"
	"github.com/spherical/drawing-ingest/internal/observability"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	cfgFile    string
	verbose    bool
	noColor    bool
	outputJSON bool

	cfg    *config.Config
	logger *observability.Logger
)

var rootCmd = &cobra.Command{
	Use:   "drawing-ingest",
	Short: "Validate, convert and manage uploaded construction drawings",
	Long: `drawing-ingest runs the drawing ingestion pipeline from the command line.

Use this tool to:
- Check PDFs against the upload policy before sending them
- Convert drawings to page images with the service's cache and retry policy
- Run storage cleanup passes on demand
- Inspect storage and cache health

All commands support --json for automation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.InitUI(noColor, verbose, outputJSON)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := "warn"
		if verbose {
			level = "debug"
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      "console",
			Output:      os.Stderr,
			ServiceName: "drawing-ingest-cli",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
