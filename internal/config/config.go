// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Title     TitleConfig     `mapstructure:"title"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Bus       BusConfig       `mapstructure:"bus"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig controls bearer-token caller identification.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// AdmissionConfig governs report creation.
type AdmissionConfig struct {
	AllowedHosts           []string `mapstructure:"allowed_hosts"`
	RateLimitCount         int      `mapstructure:"rate_limit_count"`
	RateLimitWindowSeconds int      `mapstructure:"rate_limit_window_seconds"`
	DefaultThreshold       int      `mapstructure:"default_threshold"`
	MaxThreshold           int      `mapstructure:"max_threshold"`
}

// WorkflowConfig holds the orchestrator policy values.
type WorkflowConfig struct {
	// MaxConcurrentInstances caps running instances in this process only.
	MaxConcurrentInstances int `mapstructure:"max_concurrent_instances"`
	MaxStepRetries         int `mapstructure:"max_step_retries"`
	RetryBackoffMs         int `mapstructure:"retry_backoff_ms"`
	PageCap                int `mapstructure:"page_cap"`
	ScrapeCapMultiplier    int `mapstructure:"scrape_cap_multiplier"`
	QueueDepth             int `mapstructure:"queue_depth"`
	InstanceAttempts       int `mapstructure:"instance_attempts"`
	EnqueueTimeoutSeconds  int `mapstructure:"enqueue_timeout_seconds"`
	InstanceTimeoutSeconds int `mapstructure:"instance_timeout_seconds"`
}

// ScrapeConfig configures the scrape provider client.
type ScrapeConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	Token          string  `mapstructure:"token"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
}

// TitleConfig configures the generated-title call.
type TitleConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// StorageConfig selects the report store and raw batch archive.
type StorageConfig struct {
	Driver        string `mapstructure:"driver"`
	ArchiveDriver string `mapstructure:"archive_driver"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	BaseDir       string `mapstructure:"base_dir"`
	Prefix        string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// BusConfig selects the workflow substrate.
type BusConfig struct {
	Driver string `mapstructure:"driver"`
}

// PubSubConfig holds the evaluation fan-out topic.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	EvaluationTopic string `mapstructure:"evaluation_topic"`
}

// SchedulerConfig controls the periodic recurring-scrape trigger.
type SchedulerConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Spec              string `mapstructure:"spec"`
	StaleAfterSeconds int    `mapstructure:"stale_after_seconds"`
	BatchSize         int    `mapstructure:"batch_size"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from .env, disk, and environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("REPORTD")
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
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("admission.allowed_hosts", []string{"x.com", "twitter.com"})
	v.SetDefault("admission.rate_limit_count", 3)
	v.SetDefault("admission.rate_limit_window_seconds", 60)
	v.SetDefault("admission.default_threshold", 100)
	v.SetDefault("admission.max_threshold", 250)
	v.SetDefault("workflow.max_concurrent_instances", 5)
	v.SetDefault("workflow.max_step_retries", 3)
	v.SetDefault("workflow.retry_backoff_ms", 500)
	v.SetDefault("workflow.page_cap", 100)
	v.SetDefault("workflow.scrape_cap_multiplier", 3)
	v.SetDefault("workflow.queue_depth", 256)
	v.SetDefault("workflow.instance_attempts", 2)
	v.SetDefault("workflow.enqueue_timeout_seconds", 5)
	v.SetDefault("workflow.instance_timeout_seconds", 900)
	v.SetDefault("scrape.timeout_seconds", 30)
	v.SetDefault("scrape.rps", 2.0)
	v.SetDefault("scrape.burst", 2)
	v.SetDefault("title.enabled", false)
	v.SetDefault("title.model", "gpt-4o-mini")
	v.SetDefault("title.timeout_seconds", 10)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.archive_driver", "memory")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("bus.driver", "memory")
	v.SetDefault("pubsub.evaluation_topic", "reply-evaluate")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "@every 5m")
	v.SetDefault("scheduler.stale_after_seconds", 600)
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be set when auth is enabled")
	}
	if c.Admission.RateLimitCount <= 0 || c.Admission.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("admission rate limit count and window must be > 0")
	}
	if c.Admission.MaxThreshold < 1 || c.Admission.DefaultThreshold < 1 ||
		c.Admission.DefaultThreshold > c.Admission.MaxThreshold {
		return fmt.Errorf("admission thresholds must satisfy 1 <= default <= max")
	}
	if c.Workflow.MaxConcurrentInstances <= 0 {
		return fmt.Errorf("workflow.max_concurrent_instances must be > 0")
	}
	if c.Workflow.MaxStepRetries < 0 {
		return fmt.Errorf("workflow.max_step_retries must be >= 0")
	}
	if c.Workflow.PageCap <= 0 {
		return fmt.Errorf("workflow.page_cap must be > 0")
	}
	if c.Workflow.ScrapeCapMultiplier <= 0 {
		return fmt.Errorf("workflow.scrape_cap_multiplier must be > 0")
	}
	if c.Workflow.QueueDepth <= 0 {
		return fmt.Errorf("workflow.queue_depth must be > 0")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres storage driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Storage.ArchiveDriver {
	case "", "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local archive driver")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs archive driver")
		}
	default:
		return fmt.Errorf("unknown storage.archive_driver %q", c.Storage.ArchiveDriver)
	}
	switch c.Bus.Driver {
	case "memory":
	case "river":
		if c.Storage.Driver != "postgres" {
			return fmt.Errorf("bus.driver river requires storage.driver postgres")
		}
	default:
		return fmt.Errorf("unknown bus.driver %q", c.Bus.Driver)
	}
	if c.Title.Enabled && c.Title.APIKey == "" {
		return fmt.Errorf("title.api_key must be set when title generation is enabled")
	}
	return nil
}

// RateLimitWindow returns the admission window as a duration.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Admission.RateLimitWindowSeconds) * time.Second
}

// RetryBackoff returns the base delay between step attempts.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Workflow.RetryBackoffMs) * time.Millisecond
}

// StaleAfter returns how long a report may sit idle before the scheduler re-triggers it.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Scheduler.StaleAfterSeconds) * time.Second
}

// EnqueueTimeout bounds how long an emitter waits on a full in-memory queue.
func (c Config) EnqueueTimeout() time.Duration {
	return time.Duration(c.Workflow.EnqueueTimeoutSeconds) * time.Second
}

// InstanceTimeout bounds a single orchestrator instance.
func (c Config) InstanceTimeout() time.Duration {
	return time.Duration(c.Workflow.InstanceTimeoutSeconds) * time.Second
}
