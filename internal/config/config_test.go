package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  jwt_secret: secret
admission:
  allowed_hosts: ["x.com"]
  rate_limit_count: 5
  rate_limit_window_seconds: 120
  default_threshold: 50
  max_threshold: 200
workflow:
  max_concurrent_instances: 7
  max_step_retries: 2
  retry_backoff_ms: 50
  page_cap: 80
  scrape_cap_multiplier: 4
  queue_depth: 16
storage:
  driver: postgres
  archive_driver: local
  base_dir: /tmp/archive
db:
  dsn: postgres://localhost/reports
bus:
  driver: river
scheduler:
  spec: "@every 1m"
  stale_after_seconds: 30
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Admission.RateLimitCount != 5 || cfg.RateLimitWindow() != 2*time.Minute {
		t.Fatalf("expected admission overrides, got %+v", cfg.Admission)
	}
	if cfg.Workflow.MaxConcurrentInstances != 7 || cfg.Workflow.MaxStepRetries != 2 {
		t.Fatalf("expected workflow overrides, got %+v", cfg.Workflow)
	}
	if cfg.RetryBackoff() != 50*time.Millisecond {
		t.Fatalf("expected 50ms backoff, got %v", cfg.RetryBackoff())
	}
	if cfg.Bus.Driver != "river" || cfg.Storage.Driver != "postgres" {
		t.Fatalf("expected river bus over postgres storage")
	}
	if cfg.StaleAfter() != 30*time.Second {
		t.Fatalf("expected stale after 30s, got %v", cfg.StaleAfter())
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REPORTD_AUTH_JWT_SECRET", "env-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workflow.MaxConcurrentInstances != 5 {
		t.Fatalf("expected default concurrency cap 5, got %d", cfg.Workflow.MaxConcurrentInstances)
	}
	if cfg.Workflow.MaxStepRetries != 3 {
		t.Fatalf("expected default step retries 3, got %d", cfg.Workflow.MaxStepRetries)
	}
	if cfg.Workflow.PageCap != 100 {
		t.Fatalf("expected default page cap 100, got %d", cfg.Workflow.PageCap)
	}
	if cfg.Admission.RateLimitCount != 3 || cfg.RateLimitWindow() != time.Minute {
		t.Fatalf("expected 3 per minute admission limit, got %+v", cfg.Admission)
	}
	if cfg.Admission.DefaultThreshold != 100 || cfg.Admission.MaxThreshold != 250 {
		t.Fatalf("unexpected threshold defaults %+v", cfg.Admission)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Fatalf("expected env override for jwt secret")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Server:    ServerConfig{Port: 8080},
			Admission: AdmissionConfig{RateLimitCount: 3, RateLimitWindowSeconds: 60, DefaultThreshold: 100, MaxThreshold: 250},
			Workflow: WorkflowConfig{
				MaxConcurrentInstances: 5,
				MaxStepRetries:         3,
				PageCap:                100,
				ScrapeCapMultiplier:    3,
				QueueDepth:             10,
			},
			Storage: StorageConfig{Driver: "memory", ArchiveDriver: "memory"},
			Bus:     BusConfig{Driver: "memory"},
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth", func(c *Config) { c.Auth.Enabled = true }, "auth.jwt_secret"},
		{"concurrency", func(c *Config) { c.Workflow.MaxConcurrentInstances = 0 }, "max_concurrent_instances"},
		{"retries", func(c *Config) { c.Workflow.MaxStepRetries = -1 }, "max_step_retries"},
		{"threshold", func(c *Config) { c.Admission.DefaultThreshold = 300 }, "thresholds"},
		{"storage", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "db.dsn"},
		{"river", func(c *Config) { c.Bus.Driver = "river" }, "requires storage.driver postgres"},
		{"gcs", func(c *Config) { c.Storage.ArchiveDriver = "gcs" }, "gcs_bucket"},
		{"title", func(c *Config) { c.Title.Enabled = true }, "title.api_key"},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}
