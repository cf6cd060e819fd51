package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APILENS_SECURITY_MASTER_ENCRYPTION_KEY", "test-master-key")
	t.Setenv("APILENS_SECURITY_API_KEY_SALT", "test-salt")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, time.Hour, cfg.CacheTTL.Tenant)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL.VendorCred)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL.Pricing)
	assert.True(t, cfg.Admission.RateLimitFailOpen)
	assert.True(t, cfg.Admission.QuotaFailOpen)
	assert.Equal(t, 168, cfg.Anomaly.BaselineHours)
	assert.Equal(t, 20, cfg.Anomaly.MinPoints)
}

func TestLoadRequiresMasterKey(t *testing.T) {
	t.Setenv("APILENS_SECURITY_API_KEY_SALT", "test-salt")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master_encryption_key")
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APILENS_ENVIRONMENT", "prod")
	t.Setenv("APILENS_REDIS_ADDRESS", "redis.internal:6380")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Address)
}

func TestLoadFromFile(t *testing.T) {
	setRequiredEnv(t)

	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(`
environment: staging
admission:
  degraded_error_rate: 0.5
`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 0.5, cfg.Admission.DegradedErrorRate)
}

func TestValidateRejectsBadErrorRate(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APILENS_ADMISSION_DEGRADED_ERROR_RATE", "1.5")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degraded_error_rate")
}
