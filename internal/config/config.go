// Package config loads the process configuration: a YAML file plus
// environment overrides, with defaults applied in Load so callers never
// see zero values for tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Retry      RetryConfig      `yaml:"retry"`
	Reporter   ReporterConfig   `yaml:"reporter"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Attachment AttachmentConfig `yaml:"attachment"`
	S3         S3Config         `yaml:"s3"`
}

// ServerConfig holds the HTTP control surface settings.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	APIToken string `yaml:"api_token"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig tunes the structured logger. Recipient addresses are
// redacted unless redact_pii is explicitly set false.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the coordination backend for the scheduler leader
// lock. Disabled (empty addr) means single-instance deployment.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LockTTL  int    `yaml:"lock_ttl_seconds"`
}

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	SendIntervalSeconds        int `yaml:"send_interval_seconds"`
	MaintenanceIntervalSeconds int `yaml:"maintenance_interval_seconds"`
	FetchLimit                 int `yaml:"fetch_limit"`
	BatchSizePerAccount        int `yaml:"batch_size_per_account"`
	GlobalConcurrency          int `yaml:"global_concurrency"`
	PerAccountConcurrency      int `yaml:"per_account_concurrency"`
	AttachmentConcurrency      int `yaml:"attachment_concurrency"`
}

// SendInterval returns the send loop cadence as a duration.
func (c SchedulerConfig) SendInterval() time.Duration {
	return time.Duration(c.SendIntervalSeconds) * time.Second
}

// MaintenanceInterval returns the maintenance cadence as a duration.
func (c SchedulerConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSeconds) * time.Second
}

// RetryConfig tunes transient-failure retry behavior.
type RetryConfig struct {
	MaxRetries   int   `yaml:"max_retries"`
	DelaySeconds []int `yaml:"delay_seconds"`
}

// Delays converts the configured backoff steps to durations.
func (c RetryConfig) Delays() []time.Duration {
	out := make([]time.Duration, 0, len(c.DelaySeconds))
	for _, s := range c.DelaySeconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

// ReporterConfig tunes the webhook delivery loop.
type ReporterConfig struct {
	IntervalSeconds       int    `yaml:"interval_seconds"`
	SyncIntervalSeconds   int    `yaml:"sync_interval_seconds"`
	FailureBackoffSeconds int    `yaml:"failure_backoff_seconds"`
	FetchLimit            int    `yaml:"fetch_limit"`
	GlobalSyncURL         string `yaml:"global_sync_url"`
	RetentionDays         int    `yaml:"retention_days"`
}

// Interval returns the report cadence as a duration.
func (c ReporterConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// SyncInterval returns the per-tenant cadence as a duration.
func (c ReporterConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// FailureBackoff returns the post-failure hold-off as a duration.
func (c ReporterConfig) FailureBackoff() time.Duration {
	return time.Duration(c.FailureBackoffSeconds) * time.Second
}

// ReceiverConfig tunes the inbound IMAP polling and the PEC acceptance
// sweep.
type ReceiverConfig struct {
	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// PollInterval returns the IMAP poll cadence as a duration.
func (c ReceiverConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SweepInterval returns the PEC sweep cadence as a duration.
func (c ReceiverConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// AttachmentConfig tunes the tiered attachment cache.
type AttachmentConfig struct {
	BaseDir          string `yaml:"base_dir"`
	MemoryBudgetMB   int    `yaml:"memory_budget_mb"`
	MemoryTTLSeconds int    `yaml:"memory_ttl_seconds"`
	DiskDir          string `yaml:"disk_dir"`
	DiskBudgetMB     int    `yaml:"disk_budget_mb"`
	DiskTTLSeconds   int    `yaml:"disk_ttl_seconds"`
}

// MemoryTTL returns the in-memory entry lifetime.
func (c AttachmentConfig) MemoryTTL() time.Duration {
	return time.Duration(c.MemoryTTLSeconds) * time.Second
}

// DiskTTL returns the on-disk entry lifetime.
func (c AttachmentConfig) DiskTTL() time.Duration {
	return time.Duration(c.DiskTTLSeconds) * time.Second
}

// S3Config holds the object store used for large-attachment rewrites.
// S3-compatible endpoints (MinIO) set Endpoint and PathStyle.
type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	BaseURL   string `yaml:"base_url"`
}

// Load reads and parses the configuration file and applies defaults. An
// empty path yields a pure-default configuration.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 60
	}
	if cfg.Scheduler.SendIntervalSeconds == 0 {
		cfg.Scheduler.SendIntervalSeconds = 30
	}
	if cfg.Scheduler.MaintenanceIntervalSeconds == 0 {
		cfg.Scheduler.MaintenanceIntervalSeconds = 150
	}
	if cfg.Scheduler.FetchLimit == 0 {
		cfg.Scheduler.FetchLimit = 100
	}
	if cfg.Scheduler.BatchSizePerAccount == 0 {
		cfg.Scheduler.BatchSizePerAccount = 50
	}
	if cfg.Scheduler.GlobalConcurrency == 0 {
		cfg.Scheduler.GlobalConcurrency = 10
	}
	if cfg.Scheduler.PerAccountConcurrency == 0 {
		cfg.Scheduler.PerAccountConcurrency = 3
	}
	if cfg.Scheduler.AttachmentConcurrency == 0 {
		cfg.Scheduler.AttachmentConcurrency = 3
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if len(cfg.Retry.DelaySeconds) == 0 {
		cfg.Retry.DelaySeconds = []int{60, 300, 900}
	}
	if cfg.Reporter.IntervalSeconds == 0 {
		cfg.Reporter.IntervalSeconds = 30
	}
	if cfg.Reporter.SyncIntervalSeconds == 0 {
		cfg.Reporter.SyncIntervalSeconds = 10
	}
	if cfg.Reporter.FailureBackoffSeconds == 0 {
		cfg.Reporter.FailureBackoffSeconds = 120
	}
	if cfg.Reporter.FetchLimit == 0 {
		cfg.Reporter.FetchLimit = 200
	}
	if cfg.Reporter.RetentionDays == 0 {
		cfg.Reporter.RetentionDays = 7
	}
	if cfg.Receiver.PollIntervalSeconds == 0 {
		cfg.Receiver.PollIntervalSeconds = 60
	}
	if cfg.Receiver.SweepIntervalSeconds == 0 {
		cfg.Receiver.SweepIntervalSeconds = 600
	}
	if cfg.Attachment.BaseDir == "" {
		cfg.Attachment.BaseDir = "/var/lib/mailproxy/attachments"
	}
	if cfg.Attachment.MemoryBudgetMB == 0 {
		cfg.Attachment.MemoryBudgetMB = 64
	}
	if cfg.Attachment.MemoryTTLSeconds == 0 {
		cfg.Attachment.MemoryTTLSeconds = 3600
	}
	if cfg.Attachment.DiskDir == "" {
		cfg.Attachment.DiskDir = "/var/lib/mailproxy/cache"
	}
	if cfg.Attachment.DiskBudgetMB == 0 {
		cfg.Attachment.DiskBudgetMB = 1024
	}
	if cfg.Attachment.DiskTTLSeconds == 0 {
		cfg.Attachment.DiskTTLSeconds = 7 * 86400
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "eu-west-1"
	}

	return &cfg, nil
}

// LoadFromEnv loads the configuration file (optional) with environment
// overrides. A .env file is read first when present, so secrets can
// live there locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GLOBAL_SYNC_URL"); v != "" {
		cfg.Reporter.GlobalSyncURL = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.S3.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.S3.SecretKey = v
	}

	return cfg, nil
}
