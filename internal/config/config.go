package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	SES         SESConfig         `yaml:"ses"`
	Inbound     InboundConfig     `yaml:"inbound"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// AllowedOrigins is the explicit CORS origin list; wildcards are not
	// used because credentials are allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// DevMode skips API-key auth and acts as a fixed local user. Never
	// enable outside local development.
	DevMode bool `yaml:"dev_mode"`
}

// GetHost returns the server host, with ECS detection
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

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis settings used for distributed locking.
// When disabled, locking falls back to Postgres advisory locks.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SESConfig holds AWS SES and S3 configuration for receiving and sending
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	// RawMailBucket is where the receipt pipeline stores raw messages.
	RawMailBucket string `yaml:"raw_mail_bucket"`
	// RuleSetName is the active SES receipt rule set we manage rules in.
	RuleSetName string `yaml:"rule_set_name"`
	// RulePrefix namespaces the receipt rules this deployment owns.
	RulePrefix string `yaml:"rule_prefix"`
	// LambdaFunctionARN is the ingest function SES invokes after S3 delivery.
	LambdaFunctionARN string `yaml:"lambda_function_arn"`
	AccountID         string `yaml:"account_id"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// InboundConfig holds settings for the ingestion callback and forwarding
type InboundConfig struct {
	// ServiceAPIKey is the shared bearer secret the mailer's ingest
	// function presents on callbacks.
	ServiceAPIKey string `yaml:"service_api_key"`
	// ForwarderAddress is the verified sender used when re-sending
	// forwarded mail ("Original Name <agent@ourdomain>").
	ForwarderAddress string `yaml:"forwarder_address"`
	// AgentAddress may send without owning the from-domain.
	AgentAddress string `yaml:"agent_address"`
	// SubjectPrefix, when set, is prepended to forwarded subjects.
	SubjectPrefix string `yaml:"subject_prefix"`
	// StripForwardedAttachments drops attachments when forwarding.
	StripForwardedAttachments bool `yaml:"strip_forwarded_attachments"`
}

// EntitlementConfig holds the billing/entitlement service client settings
type EntitlementConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c EntitlementConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WebhookConfig holds webhook executor defaults
type WebhookConfig struct {
	UserAgent      string `yaml:"user_agent"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SchedulerConfig holds the scheduled-send worker settings
type SchedulerConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	BatchSize       int  `yaml:"batch_size"`
	MaxAttempts     int  `yaml:"max_attempts"`
}

// Interval returns the polling interval as a duration
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// LoggingConfig holds log level settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII bool   `yaml:"redact_pii"`
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

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.SES.RuleSetName == "" {
		cfg.SES.RuleSetName = "inbound-rule-set"
	}
	if cfg.SES.RulePrefix == "" {
		cfg.SES.RulePrefix = "inbound"
	}
	if cfg.Entitlement.BaseURL == "" {
		cfg.Entitlement.BaseURL = "https://api.useautumn.com/v1"
	}
	if cfg.Entitlement.TimeoutSeconds == 0 {
		cfg.Entitlement.TimeoutSeconds = 10
	}
	if cfg.Webhook.UserAgent == "" {
		cfg.Webhook.UserAgent = "InboundEmail-Webhook/1.0"
	}
	if cfg.Webhook.TimeoutSeconds == 0 {
		cfg.Webhook.TimeoutSeconds = 30
	}
	if cfg.Scheduler.IntervalSeconds == 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 50
	}
	if cfg.Scheduler.MaxAttempts == 0 {
		cfg.Scheduler.MaxAttempts = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
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

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if bucket := os.Getenv("SES_RAW_MAIL_BUCKET"); bucket != "" {
		cfg.SES.RawMailBucket = bucket
	}
	if ruleSet := os.Getenv("SES_RULE_SET_NAME"); ruleSet != "" {
		cfg.SES.RuleSetName = ruleSet
	}
	if arn := os.Getenv("SES_LAMBDA_FUNCTION_ARN"); arn != "" {
		cfg.SES.LambdaFunctionARN = arn
	}
	if acct := os.Getenv("AWS_ACCOUNT_ID"); acct != "" {
		cfg.SES.AccountID = acct
	}
	if key := os.Getenv("SERVICE_API_KEY"); key != "" {
		cfg.Inbound.ServiceAPIKey = key
	}
	if addr := os.Getenv("FORWARDER_ADDRESS"); addr != "" {
		cfg.Inbound.ForwarderAddress = addr
	}
	if addr := os.Getenv("AGENT_ADDRESS"); addr != "" {
		cfg.Inbound.AgentAddress = addr
	}
	if key := os.Getenv("ENTITLEMENT_API_KEY"); key != "" {
		cfg.Entitlement.APIKey = key
		cfg.Entitlement.Enabled = true
	}
	if baseURL := os.Getenv("ENTITLEMENT_BASE_URL"); baseURL != "" {
		cfg.Entitlement.BaseURL = baseURL
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if os.Getenv("DEV_MODE") == "true" {
		cfg.Server.DevMode = true
	}

	return cfg, nil
}
