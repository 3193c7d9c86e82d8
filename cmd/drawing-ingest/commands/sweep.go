package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spherical/drawing-ingest/cmd/drawing-ingest/ui"
	"github.com/spherical/drawing-ingest/internal/app"
	"github.com/spherical/drawing-ingest/internal/domain"
)

var (
	sweepTier    string
	sweepSession string
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run storage cleanup passes",
	Long: `Run cleanup on demand instead of waiting for the scheduler.

Tiers:
  hourly  remove temporary uploads past their expiry
  daily   remove converted images past their expiry
  weekly  remove orphaned files and prune old audit logs
  all     run hourly, daily and weekly in order

With --session, remove everything belonging to one session instead.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().StringVarP(&sweepTier, "tier", "t", "all", "cleanup tier: hourly, daily, weekly or all")
	sweepCmd.Flags().StringVarP(&sweepSession, "session", "s", "", "clean up a single session")
	rootCmd.AddCommand(sweepCmd)
}

func sweepTiers(name string) ([]domain.CleanupTier, error) {
	switch strings.ToLower(name) {
	case "all", "":
		return []domain.CleanupTier{domain.TierHourly, domain.TierDaily, domain.TierWeekly}, nil
	case string(domain.TierHourly), string(domain.TierDaily), string(domain.TierWeekly):
		return []domain.CleanupTier{domain.CleanupTier(strings.ToLower(name))}, nil
	default:
		return nil, fmt.Errorf("unknown tier %q: use hourly, daily, weekly or all", name)
	}
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tiers, err := sweepTiers(sweepTier)
	if err != nil {
		return err
	}

	cfg.Notify.Driver = "log"
	a, err := app.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Close()

	var jobs []*domain.CleanupJob
	spinner := ui.NewSpinner("Cleaning up...")
	spinner.Start()

	if sweepSession != "" {
		spinner.UpdateMessage(fmt.Sprintf("Cleaning up session %s...", sweepSession))
		job, err := a.Service.CleanupSession(ctx, sweepSession)
		if err != nil {
			spinner.Stop()
			return fmt.Errorf("session cleanup: %w", err)
		}
		jobs = append(jobs, job)
	} else {
		for _, tier := range tiers {
			spinner.UpdateMessage(fmt.Sprintf("Running %s cleanup...", tier))
			jobs = append(jobs, a.Scheduler.RunOnce(ctx, tier))
		}
	}
	spinner.Stop()

	if outputJSON {
		return printJSON(jobs)
	}

	ui.Section("Cleanup Summary")
	rows := make([][]string, 0, len(jobs))
	var freed int64
	var problems []string
	for _, job := range jobs {
		if job == nil {
			continue
		}
		freed += job.BytesFreed
		rows = append(rows, []string{
			string(job.Tier),
			strconv.Itoa(job.FilesRemoved),
			strconv.Itoa(job.CacheEntriesRemoved),
			strconv.Itoa(job.RecordsRemoved),
			ui.FormatBytes(job.BytesFreed),
		})
		for _, e := range job.Errors {
			problems = append(problems, fmt.Sprintf("%s: %s", job.Tier, e))
		}
	}
	ui.Table([]string{"Tier", "Files", "Cache entries", "Records", "Freed"}, rows)
	ui.Newline()

	if len(problems) > 0 {
		ui.Warning("Cleanup finished with %d problems", len(problems))
		ui.List("", problems)
		return nil
	}
	ui.Success("Freed %s", ui.FormatBytes(freed))
	return nil
}
