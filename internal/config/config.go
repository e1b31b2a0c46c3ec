package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Safety    SafetyConfig    `yaml:"safety"`
	Queue     QueueConfig     `yaml:"queue"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig holds the Redis connection settings used by the counter store,
// the idempotency keys and the recovery lock.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SafetyConfig holds the email safety engine tuning. The attachment lists
// and the count cap live here — one source of truth for every enforcement
// site, externally loadable.
type SafetyConfig struct {
	CooldownPerRecipientSeconds int      `yaml:"cooldown_per_recipient_seconds"`
	CooldownPerDomainSeconds    int      `yaml:"cooldown_per_domain_seconds"`
	MaxAttachments              int      `yaml:"max_attachments"`
	AllowedAttachmentTypes      []string `yaml:"allowed_attachment_types"`
	BlockedAttachmentTypes      []string `yaml:"blocked_attachment_types"`
	StoreTimeoutSeconds         int      `yaml:"store_timeout_seconds"`
}

// CooldownPerRecipient returns the per-recipient cooldown as a duration.
func (c SafetyConfig) CooldownPerRecipient() time.Duration {
	return time.Duration(c.CooldownPerRecipientSeconds) * time.Second
}

// CooldownPerDomain returns the per-domain cooldown as a duration.
func (c SafetyConfig) CooldownPerDomain() time.Duration {
	return time.Duration(c.CooldownPerDomainSeconds) * time.Second
}

// StoreTimeout bounds every entitlement/counter read inside a safety check
// so a slow store degrades to the fail-closed denial instead of hanging the
// request.
func (c SafetyConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

// QueueConfig holds delivery queue and worker pool tuning.
type QueueConfig struct {
	Concurrency             int `yaml:"concurrency"`
	MaxAttempts             int `yaml:"max_attempts"`
	BackoffBaseSeconds      int `yaml:"backoff_base_seconds"`
	KeepCompleted           int `yaml:"keep_completed"`
	KeepDead                int `yaml:"keep_dead"`
	RecoveryIntervalSeconds int `yaml:"recovery_interval_seconds"`
	StaleLockSeconds        int `yaml:"stale_lock_seconds"`
}

// BackoffBase returns the first retry delay as a duration.
func (c QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// RecoveryInterval returns how often the recovery loop runs.
func (c QueueConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

// StaleLock returns how long a job may sit in 'sending' before the recovery
// loop assumes its worker died and requeues it.
func (c QueueConfig) StaleLock() time.Duration {
	return time.Duration(c.StaleLockSeconds) * time.Second
}

// ProvidersConfig holds the outbound provider API settings.
type ProvidersConfig struct {
	Gmail      ProviderAPIConfig `yaml:"gmail"`
	Outlook    ProviderAPIConfig `yaml:"outlook"`
	Aggregator AggregatorConfig  `yaml:"aggregator"`
}

// ProviderAPIConfig holds one provider's REST endpoint and OAuth app
// settings. Client secrets come from env overrides, never from the YAML.
type ProviderAPIConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"-"`
}

// Timeout returns the configured timeout as a duration
func (c ProviderAPIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AggregatorConfig holds the third-party messaging aggregator settings
// (WhatsApp / Instagram transport).
type AggregatorConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c AggregatorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StorageConfig holds attachment staging storage configuration.
type StorageConfig struct {
	Type       string `yaml:"type"` // "s3" or "memory"
	S3Bucket   string `yaml:"s3_bucket"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)

	// Static credentials for S3-compatible stores in local development
	// (MinIO). Leave empty in production to use the IAM role.
	S3AccessKeyID     string `yaml:"-"`
	S3SecretAccessKey string `yaml:"-"`
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// defaultAllowedAttachmentTypes covers images, pdf, text and the common
// office formats. Wildcard entries use the "type/*" form.
var defaultAllowedAttachmentTypes = []string{
	"image/*",
	"application/pdf",
	"text/*",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// defaultBlockedAttachmentTypes are executable/installer types that are
// rejected before the allowlist is even consulted.
var defaultBlockedAttachmentTypes = []string{
	"application/x-executable",
	"application/x-msdownload",
	"application/x-msdos-program",
	"application/x-msi",
	"application/x-ms-shortcut",
	"application/x-ms-wim",
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Safety.CooldownPerRecipientSeconds == 0 {
		cfg.Safety.CooldownPerRecipientSeconds = 120
	}
	if cfg.Safety.CooldownPerDomainSeconds == 0 {
		cfg.Safety.CooldownPerDomainSeconds = 60
	}
	if cfg.Safety.MaxAttachments == 0 {
		cfg.Safety.MaxAttachments = 5
	}
	if len(cfg.Safety.AllowedAttachmentTypes) == 0 {
		cfg.Safety.AllowedAttachmentTypes = defaultAllowedAttachmentTypes
	}
	if len(cfg.Safety.BlockedAttachmentTypes) == 0 {
		cfg.Safety.BlockedAttachmentTypes = defaultBlockedAttachmentTypes
	}
	if cfg.Safety.StoreTimeoutSeconds == 0 {
		cfg.Safety.StoreTimeoutSeconds = 3
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 5
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BackoffBaseSeconds == 0 {
		cfg.Queue.BackoffBaseSeconds = 2
	}
	if cfg.Queue.KeepCompleted == 0 {
		cfg.Queue.KeepCompleted = 100
	}
	if cfg.Queue.KeepDead == 0 {
		cfg.Queue.KeepDead = 50
	}
	if cfg.Queue.RecoveryIntervalSeconds == 0 {
		cfg.Queue.RecoveryIntervalSeconds = 60
	}
	if cfg.Queue.StaleLockSeconds == 0 {
		cfg.Queue.StaleLockSeconds = 300
	}
	if cfg.Providers.Gmail.BaseURL == "" {
		cfg.Providers.Gmail.BaseURL = "https://gmail.googleapis.com"
	}
	if cfg.Providers.Gmail.TimeoutSeconds == 0 {
		cfg.Providers.Gmail.TimeoutSeconds = 30
	}
	if cfg.Providers.Outlook.BaseURL == "" {
		cfg.Providers.Outlook.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	if cfg.Providers.Outlook.TimeoutSeconds == 0 {
		cfg.Providers.Outlook.TimeoutSeconds = 30
	}
	if cfg.Providers.Aggregator.TimeoutSeconds == 0 {
		cfg.Providers.Aggregator.TimeoutSeconds = 30
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "memory"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-west-2"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if v := os.Getenv("AGGREGATOR_API_KEY"); v != "" {
		cfg.Providers.Aggregator.APIKey = v
	}
	if v := os.Getenv("AGGREGATOR_BASE_URL"); v != "" {
		cfg.Providers.Aggregator.BaseURL = v
	}
	if v := os.Getenv("ATTACHMENT_S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
		cfg.Storage.Type = "s3"
	}
	if v := os.Getenv("GMAIL_CLIENT_ID"); v != "" {
		cfg.Providers.Gmail.ClientID = v
	}
	if v := os.Getenv("GMAIL_CLIENT_SECRET"); v != "" {
		cfg.Providers.Gmail.ClientSecret = v
	}
	if v := os.Getenv("OUTLOOK_CLIENT_ID"); v != "" {
		cfg.Providers.Outlook.ClientID = v
	}
	if v := os.Getenv("OUTLOOK_CLIENT_SECRET"); v != "" {
		cfg.Providers.Outlook.ClientSecret = v
	}
	if v := os.Getenv("S3_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3AccessKeyID = v
	}
	if v := os.Getenv("S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3SecretAccessKey = v
	}
	if v := os.Getenv("QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Concurrency = n
		}
	}

	return cfg, nil
}
