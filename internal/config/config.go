// Package config provides unified configuration loading for the drawing ingestion service.
// Supports YAML files, .env files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	Validation    ValidationConfig    `yaml:"validation"`
	Conversion    ConversionConfig    `yaml:"conversion"`
	Cleanup       CleanupConfig       `yaml:"cleanup"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// StorageConfig holds temporary storage settings.
type StorageConfig struct {
	Root         string        `yaml:"root"`
	UploadTTL    time.Duration `yaml:"upload_ttl"`
	ImagesTTL    time.Duration `yaml:"images_ttl"`
	OrphanGrace  time.Duration `yaml:"orphan_grace"`
	MaxAuditLogs int           `yaml:"max_audit_logs"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// ValidationConfig holds upload validation limits.
type ValidationConfig struct {
	MaxFileSize int64  `yaml:"max_file_size"`
	MinFileSize int64  `yaml:"min_file_size"`
	AllowedMIME string `yaml:"allowed_mime"`
	MaxPages    int    `yaml:"max_pages"`
	WarnPages   int    `yaml:"warn_pages"`
}

// ConversionConfig holds rasterization settings and the retry policy.
type ConversionConfig struct {
	DPI             int           `yaml:"dpi"`
	Format          string        `yaml:"format"`
	Quality         int           `yaml:"quality"`
	FallbackDPI     int           `yaml:"fallback_dpi"`
	FallbackQuality int           `yaml:"fallback_quality"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Backoff         time.Duration `yaml:"backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// CleanupConfig holds cleanup tier schedules and disk monitoring settings. Schedules are
// cron expressions or descriptors such as "@daily"; an empty schedule disables the tier.
type CleanupConfig struct {
	Enabled           bool          `yaml:"enabled"`
	HourlySchedule    string        `yaml:"hourly_schedule"`
	DailySchedule     string        `yaml:"daily_schedule"`
	WeeklySchedule    string        `yaml:"weekly_schedule"`
	DiskCheckInterval time.Duration `yaml:"disk_check_interval"`
	DiskAlertPercent  float64       `yaml:"disk_alert_percent"`
}

// NotifyConfig holds notification gateway settings.
type NotifyConfig struct {
	Driver        string `yaml:"driver"` // log, redis, or hub
	ChannelPrefix string `yaml:"channel_prefix"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}

		if cfg.Storage.Root != "" {
			cfg.Storage.Root = ResolveRelativePath(path, cfg.Storage.Root)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 15 * time.Second,
		},
		Storage: StorageConfig{
			Root:         filepath.Join(os.TempDir(), "drawing-ingest"),
			UploadTTL:    24 * time.Hour,
			ImagesTTL:    72 * time.Hour,
			OrphanGrace:  time.Hour,
			MaxAuditLogs: 4,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        7 * 24 * time.Hour,
			MaxEntries: 1000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
				Prefix:   "di:",
			},
		},
		Validation: ValidationConfig{
			MaxFileSize: 50 * 1024 * 1024,
			MinFileSize: 1024,
			AllowedMIME: "application/pdf",
			MaxPages:    20,
			WarnPages:   10,
		},
		Conversion: ConversionConfig{
			DPI:             200,
			Format:          "jpeg",
			Quality:         85,
			FallbackDPI:     150,
			FallbackQuality: 70,
			MaxAttempts:     2,
			Backoff:         250 * time.Millisecond,
			MaxBackoff:      5 * time.Second,
			EventBuffer:     64,
		},
		Cleanup: CleanupConfig{
			Enabled:           true,
			HourlySchedule:    "@hourly",
			DailySchedule:     "@daily",
			WeeklySchedule:    "@weekly",
			DiskCheckInterval: 5 * time.Minute,
			DiskAlertPercent:  85,
		},
		Notify: NotifyConfig{
			Driver:        "hub",
			ChannelPrefix: "events:",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "drawing-ingest",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if strings.TrimSpace(c.Storage.Root) == "" {
		return fmt.Errorf("storage root is required")
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Validation.MinFileSize < 0 || c.Validation.MaxFileSize <= c.Validation.MinFileSize {
		return fmt.Errorf("max_file_size must exceed min_file_size")
	}

	if c.Validation.MaxPages < 1 {
		return fmt.Errorf("max_pages must be at least 1")
	}

	if c.Validation.WarnPages > c.Validation.MaxPages {
		return fmt.Errorf("warn_pages (%d) cannot exceed max_pages (%d)", c.Validation.WarnPages, c.Validation.MaxPages)
	}

	if c.Conversion.MaxAttempts < 1 {
		return fmt.Errorf("conversion max_attempts must be at least 1")
	}

	if c.Conversion.Quality < 1 || c.Conversion.Quality > 100 {
		return fmt.Errorf("conversion quality must be between 1 and 100")
	}

	switch c.Notify.Driver {
	case "log", "redis", "hub":
	default:
		return fmt.Errorf("invalid notify driver: %s", c.Notify.Driver)
	}

	if c.Notify.Driver == "redis" && c.Cache.Driver != "redis" {
		return fmt.Errorf("notify driver redis requires cache driver redis")
	}

	if c.Cleanup.DiskAlertPercent <= 0 || c.Cleanup.DiskAlertPercent > 100 {
		return fmt.Errorf("disk_alert_percent must be in (0, 100]")
	}

	for name, spec := range map[string]string{
		"hourly_schedule": c.Cleanup.HourlySchedule,
		"daily_schedule":  c.Cleanup.DailySchedule,
		"weekly_schedule": c.Cleanup.WeeklySchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid cleanup %s %q: %w", name, spec, err)
		}
	}

	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		// Parse redis://host:port format
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}

	if v := os.Getenv("MAX_FILE_SIZE_MB"); v != "" {
		if mb, err := strconv.ParseInt(v, 10, 64); err == nil && mb > 0 {
			cfg.Validation.MaxFileSize = mb * 1024 * 1024
		}
	}

	if v := os.Getenv("MAX_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Validation.MaxPages = n
		}
	}

	if v := os.Getenv("CONVERSION_DPI"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Conversion.DPI = n
		}
	}

	if v := os.Getenv("CONVERSION_FORMAT"); v != "" {
		cfg.Conversion.Format = v
	}

	if v := os.Getenv("NOTIFY_DRIVER"); v != "" {
		cfg.Notify.Driver = v
	}

	if v := os.Getenv("CLEANUP_ENABLED"); v != "" {
		cfg.Cleanup.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("CLEANUP_DAILY_SCHEDULE"); v != "" {
		cfg.Cleanup.DailySchedule = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("SERVICE_NAME"); v != "" {
		cfg.Observability.ServiceName = v
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
