// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/news-ingest/internal/telemetry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging     LoggingConfig    `mapstructure:"logging"`
	Storage     StorageConfig    `mapstructure:"storage"`
	SourcesFile string           `mapstructure:"sources_file"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	Fetch       FetchConfig      `mapstructure:"fetch"`
	Defaults    DefaultsConfig   `mapstructure:"defaults"`
	Dedup       DedupConfig      `mapstructure:"dedup"`
	DeadLink    DeadLinkConfig   `mapstructure:"deadlink"`
	Content     ContentConfig    `mapstructure:"content"`
	Dates       DatesConfig      `mapstructure:"dates"`
	Summary     SummaryConfig    `mapstructure:"summary"`
	Archive     ArchiveConfig    `mapstructure:"archive"`
	PubSub      PubSubConfig     `mapstructure:"pubsub"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Tracing     telemetry.Config `mapstructure:"tracing"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig selects and configures the article store.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SchedulerConfig sizes the worker pool.
type SchedulerConfig struct {
	InitialWorkers    int           `mapstructure:"initial_workers"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	ScaleStep         int           `mapstructure:"scale_step"`
	AutoscaleInterval time.Duration `mapstructure:"autoscale_interval"`
	LowErrorRate      float64       `mapstructure:"low_error_rate"`
	HighErrorRate     float64       `mapstructure:"high_error_rate"`
	RetryBudget       int           `mapstructure:"retry_budget"`
}

// FetchConfig configures the static and headless fetchers.
type FetchConfig struct {
	UserAgent     string         `mapstructure:"user_agent"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	RespectRobots bool           `mapstructure:"respect_robots"`
	MaxBodyBytes  int            `mapstructure:"max_body_bytes"`
	GlobalRPS     float64        `mapstructure:"global_rps"`
	GlobalBurst   int            `mapstructure:"global_burst"`
	Render        HeadlessConfig `mapstructure:"render"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	WaitSelector       string        `mapstructure:"wait_selector"`
	Settle             time.Duration `mapstructure:"settle"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
	AutoPromote        bool          `mapstructure:"auto_promote"`
}

// DefaultsConfig holds the politeness settings sources inherit.
type DefaultsConfig struct {
	RateLimitMS    int `mapstructure:"rate_limit_ms"`
	MaxConcurrency int `mapstructure:"max_concurrency"`
	Priority       int `mapstructure:"priority"`
}

// DedupConfig controls title duplicate detection.
type DedupConfig struct {
	Window         time.Duration `mapstructure:"window"`
	MinTitleLength int           `mapstructure:"min_title_length"`
	Scope          string        `mapstructure:"scope"`
}

// DeadLinkConfig holds the graduated retry tiers.
type DeadLinkConfig struct {
	Tiers []time.Duration `mapstructure:"tiers"`
}

// ContentConfig sets article validation limits.
type ContentConfig struct {
	MinLength int `mapstructure:"min_length"`
}

// DatesConfig sets the default date policy.
type DatesConfig struct {
	Timezone        string        `mapstructure:"timezone"`
	Earliest        string        `mapstructure:"earliest"`
	FutureTolerance time.Duration `mapstructure:"future_tolerance"`
}

// SummaryConfig controls source flagging in run reports.
type SummaryConfig struct {
	FlagErrorRate  float64 `mapstructure:"flag_error_rate"`
	FlagMinFetches int     `mapstructure:"flag_min_fetches"`
}

// ArchiveConfig selects where raw pages are written.
type ArchiveConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Backend      string `mapstructure:"backend"`
	BaseDir      string `mapstructure:"base_dir"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	VerifyBucket bool   `mapstructure:"verify_bucket"`
}

// PubSubConfig holds metadata for article notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig controls the operational HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	APIKey  string `mapstructure:"api_key"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.sqlite_path", "news.db")
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.min_conns", 1)
	v.SetDefault("storage.max_conn_lifetime", time.Hour)
	v.SetDefault("sources_file", "sources.yaml")
	v.SetDefault("scheduler.initial_workers", 5)
	v.SetDefault("scheduler.max_workers", 25)
	v.SetDefault("scheduler.scale_step", 2)
	v.SetDefault("scheduler.autoscale_interval", 3*time.Second)
	v.SetDefault("scheduler.low_error_rate", 0.1)
	v.SetDefault("scheduler.high_error_rate", 0.3)
	v.SetDefault("scheduler.retry_budget", 2)
	v.SetDefault("fetch.user_agent", "news-ingest/1.0 (+https://github.com/JakeFAU/news-ingest)")
	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.max_body_bytes", 8<<20)
	v.SetDefault("fetch.global_rps", 0)
	v.SetDefault("fetch.global_burst", 1)
	v.SetDefault("fetch.render.enabled", false)
	v.SetDefault("fetch.render.max_parallel", 2)
	v.SetDefault("fetch.render.navigation_timeout", 30*time.Second)
	v.SetDefault("fetch.render.wait_selector", "body")
	v.SetDefault("fetch.render.settle", 500*time.Millisecond)
	v.SetDefault("fetch.render.promotion_threshold", 2048)
	v.SetDefault("fetch.render.auto_promote", false)
	v.SetDefault("defaults.rate_limit_ms", 500)
	v.SetDefault("defaults.max_concurrency", 2)
	v.SetDefault("defaults.priority", 10)
	v.SetDefault("dedup.window", 7*24*time.Hour)
	v.SetDefault("dedup.min_title_length", 10)
	v.SetDefault("dedup.scope", "source")
	v.SetDefault("deadlink.tiers", []time.Duration{7 * 24 * time.Hour, 14 * 24 * time.Hour, 30 * 24 * time.Hour})
	v.SetDefault("content.min_length", 100)
	v.SetDefault("dates.timezone", "UTC")
	v.SetDefault("dates.earliest", "2006-01-01")
	v.SetDefault("dates.future_tolerance", 48*time.Hour)
	v.SetDefault("summary.flag_error_rate", 0.5)
	v.SetDefault("summary.flag_min_fetches", 10)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "local")
	v.SetDefault("archive.base_dir", "data/raw")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "article.created")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "news-ingest")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres driver")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres, sqlite or memory, got %q", c.Storage.Driver)
	}
	if c.SourcesFile == "" {
		return fmt.Errorf("sources_file must be set")
	}
	if c.Scheduler.InitialWorkers <= 0 {
		return fmt.Errorf("scheduler.initial_workers must be > 0")
	}
	if c.Scheduler.MaxWorkers < c.Scheduler.InitialWorkers {
		return fmt.Errorf("scheduler.max_workers must be >= scheduler.initial_workers")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.GlobalRPS < 0 {
		return fmt.Errorf("fetch.global_rps must be >= 0")
	}
	if c.Fetch.Render.Enabled && c.Fetch.Render.MaxParallel <= 0 {
		return fmt.Errorf("fetch.render.max_parallel must be > 0 when rendering is enabled")
	}
	if c.Defaults.RateLimitMS < 0 {
		return fmt.Errorf("defaults.rate_limit_ms must be >= 0")
	}
	if c.Defaults.MaxConcurrency <= 0 {
		return fmt.Errorf("defaults.max_concurrency must be > 0")
	}
	if c.Dedup.Scope != "source" && c.Dedup.Scope != "language" {
		return fmt.Errorf("dedup.scope must be source or language, got %q", c.Dedup.Scope)
	}
	if c.Content.MinLength < 0 {
		return fmt.Errorf("content.min_length must be >= 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.EarliestDate(); err != nil {
		return err
	}
	if c.Summary.FlagErrorRate < 0 || c.Summary.FlagErrorRate > 1 {
		return fmt.Errorf("summary.flag_error_rate must be within [0, 1]")
	}
	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "local":
			if c.Archive.BaseDir == "" {
				return fmt.Errorf("archive.base_dir must be set for the local backend")
			}
		case "gcs":
			if c.Archive.Bucket == "" {
				return fmt.Errorf("archive.bucket must be set for the gcs backend")
			}
		default:
			return fmt.Errorf("archive.backend must be local or gcs, got %q", c.Archive.Backend)
		}
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must be set when metrics are enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// Location loads the default timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Dates.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Dates.Timezone)
	if err != nil {
		return nil, fmt.Errorf("dates.timezone: %w", err)
	}
	return loc, nil
}

// EarliestDate parses the default earliest plausible publication date.
func (c Config) EarliestDate() (time.Time, error) {
	if c.Dates.Earliest == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", c.Dates.Earliest)
	if err != nil {
		return time.Time{}, fmt.Errorf("dates.earliest: %w", err)
	}
	return t, nil
}

// RateLimit returns the default per-source spacing.
func (c Config) RateLimit() time.Duration {
	return time.Duration(c.Defaults.RateLimitMS) * time.Millisecond
}
