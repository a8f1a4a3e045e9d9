// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
	"github.com/JakeFAU/joblink-pipeline/internal/logging"
	"github.com/JakeFAU/joblink-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/joblink-pipeline/internal/retry"
	"github.com/JakeFAU/joblink-pipeline/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. LINKPIPE_SERVER_PORT.
const EnvPrefix = "LINKPIPE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    logging.Config   `mapstructure:"logging"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Validation ValidationConfig `mapstructure:"validation"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Scraper    ScraperConfig    `mapstructure:"scraper"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// Guard backends.
const (
	GuardLocal = "local"
	GuardRedis = "redis"
)

// PipelineConfig governs link selection and the run guard.
type PipelineConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxLongRetry  int           `mapstructure:"max_long_retry"`
	Guard         string        `mapstructure:"guard"`
	GuardTTL      time.Duration `mapstructure:"guard_ttl"`
	ArchivePrefix string        `mapstructure:"archive_prefix"`
}

// SchedulerConfig controls the periodic trigger. Zero disables it.
type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ValidationConfig configures redirect resolution.
type ValidationConfig struct {
	Retry           retry.Policy     `mapstructure:"retry"`
	NoRetryStatuses []int            `mapstructure:"no_retry_statuses"`
	UserAgent       string           `mapstructure:"user_agent"`
	Timeout         time.Duration    `mapstructure:"timeout"`
	MaxRedirects    int              `mapstructure:"max_redirects"`
	MaxParallel     int              `mapstructure:"max_parallel"`
	RateLimit       ratelimit.Config `mapstructure:"rate_limit"`
}

// SafetyConfig configures the threat-list lookup.
type SafetyConfig struct {
	Retry         retry.Policy     `mapstructure:"retry"`
	Timeout       time.Duration    `mapstructure:"timeout"`
	MaxParallel   int              `mapstructure:"max_parallel"`
	APIKey        string           `mapstructure:"api_key"`
	ClientID      string           `mapstructure:"client_id"`
	Endpoint      string           `mapstructure:"endpoint"`
	ThreatTypes   []string         `mapstructure:"threat_types"`
	PlatformTypes []string         `mapstructure:"platform_types"`
	RateLimit     ratelimit.Config `mapstructure:"rate_limit"`
}

// ScraperConfig configures headless Chrome.
type ScraperConfig struct {
	ExecPath           string        `mapstructure:"exec_path"`
	UserAgent          string        `mapstructure:"user_agent"`
	NoSandbox          bool          `mapstructure:"no_sandbox"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	NetworkIdleTimeout time.Duration `mapstructure:"network_idle_timeout"`
	MaxParallel        int           `mapstructure:"max_parallel"`
}

// ExtractionConfig configures the generative model.
type ExtractionConfig struct {
	Retry         retry.Policy       `mapstructure:"retry"`
	Timeout       time.Duration      `mapstructure:"timeout"`
	Model         string             `mapstructure:"model"`
	APIKey        string             `mapstructure:"api_key"`
	MaxInputChars int                `mapstructure:"max_input_chars"`
	MaxParallel   int                `mapstructure:"max_parallel"`
	Vocabularies  links.Vocabularies `mapstructure:"vocabularies"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig locates the Redis server backing the distributed run guard.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// Storage backends for the scraped-text archive.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// StorageConfig selects where scraped text is archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds the outcome topic. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "joblink-pipeline")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.stdout", false)

	v.SetDefault("pipeline.batch_size", 50)
	v.SetDefault("pipeline.retry_interval", time.Hour)
	v.SetDefault("pipeline.max_long_retry", links.DefaultMaxLongRetry)
	v.SetDefault("pipeline.guard", GuardLocal)
	v.SetDefault("pipeline.guard_ttl", 2*time.Minute)
	v.SetDefault("pipeline.archive_prefix", "scraped")
	v.SetDefault("scheduler.interval", time.Duration(0))

	v.SetDefault("validation.retry.retries", 3)
	v.SetDefault("validation.retry.factor", 2.0)
	v.SetDefault("validation.retry.min_timeout", time.Second)
	v.SetDefault("validation.retry.max_timeout", 10*time.Second)
	v.SetDefault("validation.no_retry_statuses", []int{429})
	v.SetDefault("validation.user_agent", "Mozilla/5.0 (compatible; joblink-pipeline/1.0)")
	v.SetDefault("validation.timeout", 15*time.Second)
	v.SetDefault("validation.max_redirects", 10)
	v.SetDefault("validation.max_parallel", 0)
	v.SetDefault("validation.rate_limit.rps", 0.0)
	v.SetDefault("validation.rate_limit.burst", 1)

	v.SetDefault("safety.retry.retries", 2)
	v.SetDefault("safety.retry.factor", 2.0)
	v.SetDefault("safety.retry.min_timeout", 5*time.Second)
	v.SetDefault("safety.retry.max_timeout", 30*time.Second)
	v.SetDefault("safety.timeout", 10*time.Second)
	v.SetDefault("safety.max_parallel", 0)
	v.SetDefault("safety.api_key", "")
	v.SetDefault("safety.client_id", "joblink-pipeline")
	v.SetDefault("safety.endpoint", "")
	v.SetDefault("safety.rate_limit.rps", 0.0)
	v.SetDefault("safety.rate_limit.burst", 1)

	v.SetDefault("scraper.exec_path", "")
	v.SetDefault("scraper.user_agent", "")
	v.SetDefault("scraper.no_sandbox", false)
	v.SetDefault("scraper.navigation_timeout", 45*time.Second)
	v.SetDefault("scraper.network_idle_timeout", 10*time.Second)
	v.SetDefault("scraper.max_parallel", 4)

	v.SetDefault("extraction.retry.retries", 2)
	v.SetDefault("extraction.retry.factor", 2.0)
	v.SetDefault("extraction.retry.min_timeout", 2*time.Second)
	v.SetDefault("extraction.retry.max_timeout", 20*time.Second)
	v.SetDefault("extraction.timeout", time.Minute)
	v.SetDefault("extraction.model", "gemini-2.0-flash")
	v.SetDefault("extraction.api_key", "")
	v.SetDefault("extraction.max_input_chars", 20000)
	v.SetDefault("extraction.max_parallel", 4)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "job_links")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "linkpipeline:run")
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be > 0")
	}
	if c.Pipeline.MaxLongRetry <= 0 {
		return fmt.Errorf("pipeline.max_long_retry must be > 0")
	}
	if c.Pipeline.RetryInterval < 0 {
		return fmt.Errorf("pipeline.retry_interval must be >= 0")
	}
	switch c.Pipeline.Guard {
	case GuardLocal:
	case GuardRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when pipeline.guard is redis")
		}
	default:
		return fmt.Errorf("pipeline.guard must be %q or %q", GuardLocal, GuardRedis)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Scheduler.Interval < 0 {
		return fmt.Errorf("scheduler.interval must be >= 0")
	}
	for name, p := range map[string]retry.Policy{
		"validation": c.Validation.Retry,
		"safety":     c.Safety.Retry,
		"extraction": c.Extraction.Retry,
	} {
		if err := validateRetry(p); err != nil {
			return fmt.Errorf("%s.retry: %w", name, err)
		}
	}
	if c.Validation.MaxRedirects < 0 {
		return fmt.Errorf("validation.max_redirects must be >= 0")
	}
	if c.Scraper.NavigationTimeout <= 0 {
		return fmt.Errorf("scraper.navigation_timeout must be > 0")
	}
	if c.Extraction.Model == "" {
		return fmt.Errorf("extraction.model is required")
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

func validateRetry(p retry.Policy) error {
	if p.Retries < 0 {
		return fmt.Errorf("retries must be >= 0")
	}
	if p.Retries > 0 && p.Factor < 1 {
		return fmt.Errorf("factor must be >= 1")
	}
	if p.MinTimeout < 0 || p.MaxTimeout < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}
	if p.MaxTimeout > 0 && p.MinTimeout > p.MaxTimeout {
		return fmt.Errorf("min_timeout must not exceed max_timeout")
	}
	return nil
}
