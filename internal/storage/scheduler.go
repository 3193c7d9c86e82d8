package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
)

// SchedulerConfig holds the cron schedule of each cleanup tier and the disk sampling
// interval. An empty schedule or a zero interval disables that job.
type SchedulerConfig struct {
	HourlySchedule    string
	DailySchedule     string
	WeeklySchedule    string
	DiskCheckInterval time.Duration
}

// DefaultSchedulerConfig runs the tiers at the top of the hour, at midnight and on Sundays.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		HourlySchedule:    "@hourly",
		DailySchedule:     "@daily",
		WeeklySchedule:    "@weekly",
		DiskCheckInterval: 5 * time.Minute,
	}
}

// Scheduler runs each cleanup tier on its own cron schedule.
type Scheduler struct {
	manager *Manager
	disk    *DiskMonitor
	config  SchedulerConfig
	logger  *observability.Logger
}

// NewScheduler creates a scheduler. disk may be nil.
func NewScheduler(manager *Manager, disk *DiskMonitor, config SchedulerConfig, logger *observability.Logger) *Scheduler {
	return &Scheduler{
		manager: manager,
		disk:    disk,
		config:  config,
		logger:  logger.WithOperation("cleanup-scheduler"),
	}
}

// Run blocks until ctx is cancelled, then waits for a running pass to finish. Tiers are
// independent: a failing pass is logged and the next one runs as usual.
func (s *Scheduler) Run(ctx context.Context) error {
	c, err := s.cron(ctx)
	if err != nil {
		return err
	}
	c.Start()

	s.logger.Info().
		Str("hourly", s.config.HourlySchedule).
		Str("daily", s.config.DailySchedule).
		Str("weekly", s.config.WeeklySchedule).
		Msg("Cleanup scheduler started")

	if s.disk != nil && s.config.DiskCheckInterval > 0 {
		s.scheduleDiskCheck(ctx)
	} else {
		<-ctx.Done()
	}

	<-c.Stop().Done()
	s.logger.Info().Msg("Cleanup scheduler stopped")
	return nil
}

func (s *Scheduler) cron(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.logger}),
		cron.SkipIfStillRunning(cronLogger{s.logger}),
	))

	tiers := []struct {
		tier domain.CleanupTier
		spec string
	}{
		{domain.TierHourly, s.config.HourlySchedule},
		{domain.TierDaily, s.config.DailySchedule},
		{domain.TierWeekly, s.config.WeeklySchedule},
	}
	for _, t := range tiers {
		if t.spec == "" {
			continue
		}
		tier := t.tier
		if _, err := c.AddFunc(t.spec, func() { s.RunOnce(ctx, tier) }); err != nil {
			return nil, domain.ConfigError(fmt.Sprintf("invalid %s cleanup schedule %q", tier, t.spec), err)
		}
	}
	return c, nil
}

// RunOnce runs a tier immediately, logging rather than returning failures.
func (s *Scheduler) RunOnce(ctx context.Context, tier domain.CleanupTier) *domain.CleanupJob {
	job, err := s.runSafely(ctx, tier)
	if err != nil {
		s.logger.Error().Err(err).Str("tier", string(tier)).Msg("Scheduled cleanup failed")
		return nil
	}
	return job
}

func (s *Scheduler) runSafely(ctx context.Context, tier domain.CleanupTier) (job *domain.CleanupJob, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewError(domain.ErrorTypeResource, "cleanup pass panicked", nil)
			s.logger.Error().Str("tier", string(tier)).Msgf("Recovered from panic: %v", r)
		}
	}()
	return s.manager.RunTier(ctx, tier)
}

func (s *Scheduler) scheduleDiskCheck(ctx context.Context) {
	ticker := time.NewTicker(s.config.DiskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.disk.Check(ctx)
		}
	}
}

// cronLogger routes cron's own messages to the service logger.
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
