package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spherical/drawing-ingest/cmd/drawing-ingest/ui"
	"github.com/spherical/drawing-ingest/internal/app"
	"github.com/spherical/drawing-ingest/internal/ingest"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the cache store and disk space",
	RunE:  runHealth,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("drawing-ingest version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg.Notify.Driver = "log"
	a, err := app.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Close()

	a.Disk.Check(ctx)
	report := a.Service.Health(ctx)

	if outputJSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printHealth(report)
	}

	if report.Status != ingest.HealthOK {
		return fmt.Errorf("service is %s", report.Status)
	}
	return nil
}

func printHealth(report *ingest.HealthReport) {
	ui.Section("Health")

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names)+2)
	for _, name := range names {
		rows = append(rows, []string{name, report.Checks[name]})
	}
	if report.Disk != nil {
		rows = append(rows,
			[]string{"disk used", fmt.Sprintf("%.1f%% (alert at %.0f%%)", report.Disk.UsedPercent, report.Disk.Threshold)},
			[]string{"disk free", ui.FormatBytes(int64(report.Disk.FreeBytes))},
		)
	}
	ui.Table([]string{"Check", "Result"}, rows)
	ui.Newline()

	if report.Status == ingest.HealthOK {
		ui.Success("All checks passed")
	} else {
		ui.Warning("Service is %s", report.Status)
	}
}
