package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "1000ms", cfg.Stream.UpdateInterval)
	assert.Equal(t, 50, cfg.Stream.MaxConnectionsPerMinute)
	assert.Equal(t, 5*time.Second, cfg.Stream.ReconnectDelay())
	assert.Equal(t, 30*time.Second, cfg.Stream.PingInterval())
	assert.Equal(t, 30*time.Second, cfg.Metrics.CoreSaveInterval())
	assert.Equal(t, 100*time.Millisecond, cfg.Metrics.Debounce())
	assert.Equal(t, 30, cfg.MaxPairs)
	assert.Equal(t, "memory", cfg.Timeseries.Backend)
	assert.Equal(t, 15*time.Second, cfg.Supervisor.TickInterval())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
pairs: [btcusdt, ethusdt]
stream:
  update_interval: 100ms
  max_connections_per_minute: 20
metrics:
  core_save_interval_ms: 60000
timeseries:
  backend: redis
  redis_addr: localhost:6379
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Pairs)
	assert.Equal(t, "100ms", cfg.Stream.UpdateInterval)
	assert.Equal(t, 20, cfg.Stream.MaxConnectionsPerMinute)
	assert.Equal(t, time.Minute, cfg.Metrics.CoreSaveInterval())
	assert.Equal(t, "redis", cfg.Timeseries.Backend)
	// Untouched sections keep their defaults.
	assert.Equal(t, "https://api.binance.com", cfg.Exchange.SpotRESTBase)
	assert.Equal(t, 30*time.Second, cfg.Metrics.AdvancedSaveInterval())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEPTHWATCH_PAIRS", "solusdt, xrpusdt")
	t.Setenv("DEPTHWATCH_REDIS_ADDR", "redis:6379")
	t.Setenv("DEPTHWATCH_HTTP_ADDR", ":9999")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"SOLUSDT", "XRPUSDT"}, cfg.Pairs)
	assert.Equal(t, "redis", cfg.Timeseries.Backend)
	assert.Equal(t, "redis:6379", cfg.Timeseries.RedisAddr)
	assert.Equal(t, ":9999", cfg.HTTP.ListenAddr)
}

func TestValidateRejectsBadInterval(t *testing.T) {
	path := writeConfig(t, "stream:\n  update_interval: 250ms\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update_interval")
}

func TestValidateRejectsBackendWithoutTarget(t *testing.T) {
	path := writeConfig(t, "timeseries:\n  backend: postgres\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
