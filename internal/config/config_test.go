package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Telemetry.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Telemetry.FlushInterval)
	assert.Equal(t, 60*time.Second, cfg.Telemetry.HeartbeatInterval)
	assert.True(t, cfg.SerializeDailyStats)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("BEACON_BACKEND", "postgres")
	t.Setenv("BEACON_POSTGRES_DSN", "host=db")
	t.Setenv("BEACON_RETRY_MEDIUM", "redis")
	t.Setenv("BEACON_REDIS_DB", "2")
	t.Setenv("BEACON_BATCH_SIZE", "20")
	t.Setenv("BEACON_FLUSH_INTERVAL", "3s")
	t.Setenv("BEACON_SERIALIZE_DAILY_STATS", "false")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, "host=db", cfg.PostgresDSN)
	assert.Equal(t, MediumRedis, cfg.Retry.Medium)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 20, cfg.Telemetry.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Telemetry.FlushInterval)
	assert.False(t, cfg.SerializeDailyStats)
}

func TestFromEnvReportsBadValues(t *testing.T) {
	t.Setenv("BEACON_BATCH_SIZE", "many")
	t.Setenv("BEACON_FLUSH_INTERVAL", "soon")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BEACON_BATCH_SIZE")
	assert.Contains(t, err.Error(), "BEACON_FLUSH_INTERVAL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"postgres without dsn", func(c *Config) { c.Backend = BackendPostgres }, "BEACON_POSTGRES_DSN"},
		{"unknown backend", func(c *Config) { c.Backend = "mysql" }, "unknown backend"},
		{"file medium without dir", func(c *Config) { c.Retry.Medium = MediumFile }, "BEACON_RETRY_DIR"},
		{"unknown medium", func(c *Config) { c.Retry.Medium = "s3" }, "unknown retry medium"},
		{"zero batch", func(c *Config) { c.Telemetry.BatchSize = 0 }, "BEACON_BATCH_SIZE"},
		{"zero heartbeat", func(c *Config) { c.Telemetry.HeartbeatInterval = 0 }, "BEACON_HEARTBEAT_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BEACON_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("BEACON_LOG_LEVEL", "")
	os.Unsetenv("BEACON_LOG_LEVEL")

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "debug", os.Getenv("BEACON_LOG_LEVEL"))
}
