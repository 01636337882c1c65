package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/inbound_test"
  max_open_conns: 10

ses:
  region: "us-east-2"
  access_key: "test-access"
  secret_key: "test-secret"
  timeout_seconds: 45
  raw_mail_bucket: "inbound-raw-mail"
  rule_set_name: "test-rule-set"
  rule_prefix: "test"
  account_id: "123456789012"

inbound:
  service_api_key: "shared-secret"
  forwarder_address: "agent@inbound.example"
  subject_prefix: "[fwd]"

entitlement:
  enabled: true
  api_key: "ent-key"
  timeout_seconds: 5

webhook:
  user_agent: "Test-Webhook/1.0"
  timeout_seconds: 15

scheduler:
  enabled: true
  interval_seconds: 30
  batch_size: 10
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Test database config
	assert.Equal(t, "postgres://localhost/inbound_test", cfg.Database.URL)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)

	// Test SES config
	assert.Equal(t, "us-east-2", cfg.SES.Region)
	assert.Equal(t, "test-access", cfg.SES.AccessKey)
	assert.Equal(t, 45, cfg.SES.TimeoutSeconds)
	assert.Equal(t, "inbound-raw-mail", cfg.SES.RawMailBucket)
	assert.Equal(t, "test-rule-set", cfg.SES.RuleSetName)
	assert.Equal(t, "test", cfg.SES.RulePrefix)

	// Test inbound config
	assert.Equal(t, "shared-secret", cfg.Inbound.ServiceAPIKey)
	assert.Equal(t, "agent@inbound.example", cfg.Inbound.ForwarderAddress)
	assert.Equal(t, "[fwd]", cfg.Inbound.SubjectPrefix)

	// Test entitlement config
	assert.True(t, cfg.Entitlement.Enabled)
	assert.Equal(t, "ent-key", cfg.Entitlement.APIKey)
	assert.Equal(t, 5, cfg.Entitlement.TimeoutSeconds)

	// Test webhook config
	assert.Equal(t, "Test-Webhook/1.0", cfg.Webhook.UserAgent)
	assert.Equal(t, 15, cfg.Webhook.TimeoutSeconds)

	// Test scheduler config
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 30, cfg.Scheduler.IntervalSeconds)
	assert.Equal(t, 10, cfg.Scheduler.BatchSize)
}

func TestLoadDefaults(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://localhost/inbound"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Verify defaults are applied
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 30, cfg.SES.TimeoutSeconds)
	assert.Equal(t, "us-west-2", cfg.SES.Region)
	assert.Equal(t, "inbound-rule-set", cfg.SES.RuleSetName)
	assert.Equal(t, "inbound", cfg.SES.RulePrefix)
	assert.Equal(t, "https://api.useautumn.com/v1", cfg.Entitlement.BaseURL)
	assert.Equal(t, 30, cfg.Webhook.TimeoutSeconds)
	assert.Equal(t, 60, cfg.Scheduler.IntervalSeconds)
	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnv(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://file-host/inbound"

inbound:
  service_api_key: "file-key"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	// Set environment variables
	os.Setenv("DATABASE_URL", "postgres://env-host/inbound")
	os.Setenv("SERVICE_API_KEY", "env-key")
	os.Setenv("ENTITLEMENT_API_KEY", "env-ent-key")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("SERVICE_API_KEY")
		os.Unsetenv("ENTITLEMENT_API_KEY")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "postgres://env-host/inbound", cfg.Database.URL)
	assert.Equal(t, "env-key", cfg.Inbound.ServiceAPIKey)
	assert.Equal(t, "env-ent-key", cfg.Entitlement.APIKey)
	assert.True(t, cfg.Entitlement.Enabled)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestTimeout(t *testing.T) {
	cfg := SESConfig{TimeoutSeconds: 45}
	assert.Equal(t, 45*1000000000, int(cfg.Timeout().Nanoseconds()))
}

func TestInterval(t *testing.T) {
	cfg := SchedulerConfig{IntervalSeconds: 120}
	assert.Equal(t, 120*1000000000, int(cfg.Interval().Nanoseconds()))
}
