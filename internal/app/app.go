// Package app wires the ingestion components from configuration. Both the API server and
// the CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spherical/drawing-ingest/internal/cache"
	"github.com/spherical/drawing-ingest/internal/config"
	"github.com/spherical/drawing-ingest/internal/conversion"
	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/ingest"
	"github.com/spherical/drawing-ingest/internal/notify"
	"github.com/spherical/drawing-ingest/internal/observability"
	"github.com/spherical/drawing-ingest/internal/pdf"
	"github.com/spherical/drawing-ingest/internal/registry"
	"github.com/spherical/drawing-ingest/internal/storage"
)

// metaEntriesPerConversion sizes the in-memory metadata store relative to the conversion
// cache: each document holds a handful of keys.
const metaEntriesPerConversion = 16

// janitorInterval is how often in-memory cache clients evict expired keys.
const janitorInterval = time.Hour

// App holds the wired components.
type App struct {
	Config    *config.Config
	Logger    *observability.Logger
	Cache     cache.Client
	Registry  *registry.MemoryStore
	Validator *pdf.Validator
	Storage   *storage.Manager
	Disk      *storage.DiskMonitor
	Scheduler *storage.Scheduler
	Engine    *conversion.Engine
	Service   *ingest.Service
	Events    notify.Subscriber

	closers []func() error
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	rasterizer domain.Rasterizer
	usage      storage.UsageFunc
}

// WithRasterizer replaces the MuPDF rasterizer.
func WithRasterizer(r domain.Rasterizer) Option {
	return func(o *buildOptions) { o.rasterizer = r }
}

// WithDiskUsage replaces the gopsutil disk sampler.
func WithDiskUsage(f storage.UsageFunc) Option {
	return func(o *buildOptions) { o.usage = f }
}

// Build constructs every component. Callers must Close the result.
func Build(cfg *config.Config, logger *observability.Logger, opts ...Option) (*App, error) {
	bo := buildOptions{}
	for _, opt := range opts {
		opt(&bo)
	}
	if bo.rasterizer == nil {
		bo.rasterizer = pdf.NewFitzRasterizer()
	}

	a := &App{Config: cfg, Logger: logger}

	meta, convCache, pubsub, err := a.buildCache(cfg)
	if err != nil {
		return nil, err
	}
	a.Cache = convCache

	fsys, err := storage.NewLocalFS(cfg.Storage.Root)
	if err != nil {
		a.Close()
		return nil, domain.ConfigError("failed to open storage root", err)
	}

	a.Disk = storage.NewDiskMonitor(cfg.Storage.Root, cfg.Cleanup.DiskAlertPercent, logger.WithOperation("disk"))
	if bo.usage != nil {
		a.Disk.WithUsageFunc(bo.usage)
	}

	a.Registry = registry.NewMemoryStore()

	a.Storage, err = storage.NewManager(fsys, meta, storage.Config{
		UploadTTL:    cfg.Storage.UploadTTL,
		ImagesTTL:    cfg.Storage.ImagesTTL,
		OrphanGrace:  cfg.Storage.OrphanGrace,
		MaxAuditLogs: cfg.Storage.MaxAuditLogs,
	}, logger,
		storage.WithRecordStore(a.Registry),
		storage.WithConversionCache(convCache),
		storage.WithDiskMonitor(a.Disk),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Validator = pdf.NewValidator(ValidatorConfig(cfg), pdf.NewPDFCPUProber())

	publisher := a.buildNotifier(cfg, pubsub)

	engineCfg, err := EngineConfig(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine, err = conversion.NewEngine(conversion.Deps{
		Validator:  a.Validator,
		Rasterizer: bo.rasterizer,
		Storage:    a.Storage,
		Registry:   a.Registry,
		Cache:      convCache,
		Publisher:  publisher,
	}, engineCfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Service, err = ingest.NewService(ingest.Deps{
		Validator: a.Validator,
		Storage:   a.Storage,
		Engine:    a.Engine,
		Registry:  a.Registry,
		Publisher: publisher,
		Cache:     convCache,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Scheduler = storage.NewScheduler(a.Storage, a.Disk, storage.SchedulerConfig{
		HourlySchedule:    cfg.Cleanup.HourlySchedule,
		DailySchedule:     cfg.Cleanup.DailySchedule,
		WeeklySchedule:    cfg.Cleanup.WeeklySchedule,
		DiskCheckInterval: cfg.Cleanup.DiskCheckInterval,
	}, logger)

	logger.Info().
		Str("cache_driver", cfg.Cache.Driver).
		Str("notify_driver", cfg.Notify.Driver).
		Str("storage_root", cfg.Storage.Root).
		Msg("Components initialized")

	return a, nil
}

// ValidatorConfig maps service configuration onto validator limits.
func ValidatorConfig(cfg *config.Config) pdf.ValidatorConfig {
	vc := pdf.DefaultValidatorConfig()
	vc.MaxFileSize = cfg.Validation.MaxFileSize
	vc.MinFileSize = cfg.Validation.MinFileSize
	vc.AllowedMIME = cfg.Validation.AllowedMIME
	vc.MaxPages = cfg.Validation.MaxPages
	vc.WarnPages = cfg.Validation.WarnPages
	return vc
}

// EngineConfig maps service configuration onto engine settings.
func EngineConfig(cfg *config.Config) (conversion.Config, error) {
	format, err := domain.ParseImageFormat(cfg.Conversion.Format)
	if err != nil {
		return conversion.Config{}, domain.ConfigError("invalid conversion format", err)
	}

	policy := conversion.Policy{
		MaxAttempts: cfg.Conversion.MaxAttempts,
		Backoff:     cfg.Conversion.Backoff,
		MaxBackoff:  cfg.Conversion.MaxBackoff,
	}
	if cfg.Conversion.FallbackDPI > 0 || cfg.Conversion.FallbackQuality > 0 {
		policy.Degradations = []conversion.Degradation{{
			DPI:     cfg.Conversion.FallbackDPI,
			Quality: cfg.Conversion.FallbackQuality,
		}}
	}

	return conversion.Config{
		Defaults: domain.ConversionOptions{
			DPI:     cfg.Conversion.DPI,
			Format:  format,
			Quality: cfg.Conversion.Quality,
		},
		Policy:      policy,
		CacheTTL:    cfg.Cache.TTL,
		EventBuffer: cfg.Conversion.EventBuffer,
	}, nil
}

func (a *App) buildCache(cfg *config.Config) (meta, conv cache.Client, pubsub notify.PubSub, err error) {
	switch cfg.Cache.Driver {
	case "redis":
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, nil, domain.ResourceError("failed to connect to redis", err)
		}
		a.closers = append(a.closers, client.Close)
		return client, client, client, nil

	case "memory", "":
		size := cfg.Cache.MaxEntries
		if size <= 0 {
			size = 1000
		}
		metaClient := cache.NewMemoryClient(size*metaEntriesPerConversion, cache.WithJanitor(janitorInterval))
		convClient := cache.NewMemoryClient(size, cache.WithJanitor(janitorInterval))
		a.closers = append(a.closers, metaClient.Close, convClient.Close)
		return metaClient, convClient, nil, nil

	default:
		return nil, nil, nil, domain.ConfigError(fmt.Sprintf("unknown cache driver %q", cfg.Cache.Driver), nil)
	}
}

// buildNotifier always logs events. The hub serves websocket clients of this instance;
// the redis driver fans events out to every instance instead.
func (a *App) buildNotifier(cfg *config.Config, pubsub notify.PubSub) domain.Publisher {
	logPub := notify.NewLogPublisher(a.Logger)

	switch cfg.Notify.Driver {
	case "redis":
		if pubsub != nil {
			rp := notify.NewRedisPublisher(pubsub, cfg.Notify.ChannelPrefix, a.Logger)
			a.Events = rp
			return notify.Multi{logPub, rp}
		}
		a.Logger.Warn().Msg("Redis notifications need the redis cache driver, falling back to in-process hub")
		fallthrough
	case "hub":
		hub := notify.NewHub(cfg.Conversion.EventBuffer, a.Logger)
		a.Events = hub
		return notify.Multi{logPub, hub}
	default:
		return logPub
	}
}

// RunBackground runs the cleanup scheduler until ctx ends. It returns immediately when
// cleanup is disabled.
func (a *App) RunBackground(ctx context.Context) error {
	if !a.Config.Cleanup.Enabled {
		a.Logger.Info().Msg("Scheduled cleanup disabled")
		return nil
	}
	return a.Scheduler.Run(ctx)
}

// Close releases cache connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
