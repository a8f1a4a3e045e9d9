package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.MaxLongRetry != 4 || cfg.Pipeline.Guard != GuardLocal {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if len(cfg.Validation.NoRetryStatuses) != 1 || cfg.Validation.NoRetryStatuses[0] != 429 {
		t.Fatalf("expected 429 to be the default no-retry status, got %v", cfg.Validation.NoRetryStatuses)
	}
	if cfg.Validation.Retry.Retries != 3 || cfg.Validation.Retry.MinTimeout != time.Second {
		t.Fatalf("unexpected validation retry policy: %+v", cfg.Validation.Retry)
	}
	if cfg.Scraper.NavigationTimeout != 45*time.Second {
		t.Fatalf("expected 45s navigation timeout, got %v", cfg.Scraper.NavigationTimeout)
	}
	if cfg.Storage.Backend != StorageNone {
		t.Fatalf("expected archive disabled by default, got %q", cfg.Storage.Backend)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
pipeline:
  batch_size: 20
  retry_interval: 30m
  max_long_retry: 6
  guard: redis
redis:
  addr: localhost:6379
validation:
  no_retry_statuses: [429, 451]
  retry:
    retries: 1
    factor: 3
    min_timeout: 500ms
    max_timeout: 4s
extraction:
  model: gemini-1.5-pro
  vocabularies:
    job_type:
      values: [FULL_TIME, PART_TIME]
      fallback: PART_TIME
storage:
  backend: local
  local_dir: /tmp/archive
scheduler:
  interval: 15m
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected server/auth overrides, got %+v %+v", cfg.Server, cfg.Auth)
	}
	if cfg.Pipeline.BatchSize != 20 || cfg.Pipeline.RetryInterval != 30*time.Minute || cfg.Pipeline.MaxLongRetry != 6 {
		t.Fatalf("expected pipeline overrides, got %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.Guard != GuardRedis || cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("expected redis guard, got %+v", cfg.Redis)
	}
	if got := cfg.Validation.NoRetryStatuses; len(got) != 2 || got[1] != 451 {
		t.Fatalf("expected no-retry statuses override, got %v", got)
	}
	if cfg.Validation.Retry.Factor != 3 || cfg.Validation.Retry.MinTimeout != 500*time.Millisecond {
		t.Fatalf("expected retry override, got %+v", cfg.Validation.Retry)
	}
	if cfg.Extraction.Vocabularies.JobType.Fallback != "PART_TIME" {
		t.Fatalf("expected vocabulary override, got %+v", cfg.Extraction.Vocabularies.JobType)
	}
	if cfg.Scheduler.Interval != 15*time.Minute {
		t.Fatalf("expected scheduler interval, got %v", cfg.Scheduler.Interval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LINKPIPE_SERVER_PORT", "7070")
	t.Setenv("LINKPIPE_PIPELINE_BATCH_SIZE", "5")
	t.Setenv("LINKPIPE_EXTRACTION_API_KEY", "env-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Pipeline.BatchSize != 5 {
		t.Fatalf("expected env overrides, got port=%d batch=%d", cfg.Server.Port, cfg.Pipeline.BatchSize)
	}
	if cfg.Extraction.APIKey != "env-key" {
		t.Fatalf("expected api key from env, got %q", cfg.Extraction.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"batch", func(c *Config) { c.Pipeline.BatchSize = 0 }, "pipeline.batch_size"},
		{"ceiling", func(c *Config) { c.Pipeline.MaxLongRetry = 0 }, "pipeline.max_long_retry"},
		{"guard", func(c *Config) { c.Pipeline.Guard = "zookeeper" }, "pipeline.guard"},
		{"redis", func(c *Config) { c.Pipeline.Guard = GuardRedis }, "redis.addr"},
		{"retry", func(c *Config) { c.Safety.Retry.Retries = -1 }, "safety.retry"},
		{"factor", func(c *Config) { c.Extraction.Retry.Factor = 0.5 }, "extraction.retry"},
		{"sampling", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "telemetry.sample_ratio"},
		{"nav", func(c *Config) { c.Scraper.NavigationTimeout = 0 }, "scraper.navigation_timeout"},
		{"storage", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"gcs", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs_bucket"},
		{"pubsub", func(c *Config) { c.PubSub.Topic = "outcomes" }, "pubsub.project_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
