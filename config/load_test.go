package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const yamlDoc = `
logging:
  level: debug
  format: json
bus:
  maxQueueSize: 64
  processing:
    maxProcessingTime: 5s
    circuitBreakerEnabled: true
store:
  path: candles.db
venues:
  - venue: spot
    wsBaseUrl: wss://stream.example.test:9443
    restBaseUrl: https://api.example.test
    symbols: [BTCUSDT, ETHUSDT]
    timeframes: [5m, 1h]
    reconnectDelay: 2s
  - venue: usdm
    wsBaseUrl: wss://fstream.example.test
    restBaseUrl: https://fapi.example.test
    symbols: [BTCUSDT]
    timeframes: [1h]
sweep:
  schedule: "@every 5m"
ops:
  listenAddr: ":9091"
telemetry:
  namespace: mkt
  statsd:
    enabled: true
    flushInterval: 30s
    tags: [env:test]
`

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "marketd.yaml", yamlDoc))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, 64, cfg.Bus.MaxQueueSize)
	assert.Equal(t, 5*time.Second, cfg.Bus.Processing.MaxProcessingTime)
	assert.Equal(t, 4, cfg.Bus.NumWorkers, "untouched keys keep defaults")

	assert.Equal(t, "candles.db", cfg.Store.Path)

	require.Len(t, cfg.Venues, 2)
	spot := cfg.Venues[0]
	assert.Equal(t, "spot", spot.Venue)
	assert.Equal(t, "wss://stream.example.test:9443", spot.WSBaseURL)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, spot.Symbols)
	assert.Equal(t, []string{"5m", "1h"}, spot.Timeframes)
	assert.Equal(t, 2*time.Second, spot.ReconnectDelay)
	assert.Equal(t, 10*time.Second, spot.RequestTimeout, "venue defaults filled")
	assert.Equal(t, "usdm", cfg.Venues[1].Venue)

	assert.Equal(t, "@every 5m", cfg.Sweep.Schedule)
	assert.Equal(t, ":9091", cfg.Ops.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Ops.ReadTimeout)

	assert.Equal(t, "mkt", cfg.Telemetry.Namespace)
	assert.True(t, cfg.Telemetry.Statsd.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Telemetry.Statsd.FlushInterval)
	assert.Equal(t, []string{"env:test"}, cfg.Telemetry.Statsd.Tags)
}

const tomlDoc = `
[logging]
level = "warn"

[bus]
maxQueueSize = 32

[bus.subscription]
maxSubscriptions = 250

[[venues]]
venue = "usdm"
wsBaseUrl = "wss://fstream.example.test"
restBaseUrl = "https://fapi.example.test"
symbols = ["BTCUSDT", "SOLUSDT"]
timeframes = ["1h"]
requestTimeout = "3s"

[telemetry.statsd]
enabled = true
`

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "marketd.toml", tomlDoc))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 32, cfg.Bus.MaxQueueSize)
	assert.Equal(t, 250, cfg.Bus.Subscription.MaxSubscriptions)

	require.Len(t, cfg.Venues, 1)
	assert.Equal(t, "usdm", cfg.Venues[0].Venue)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, cfg.Venues[0].Symbols)
	assert.Equal(t, 3*time.Second, cfg.Venues[0].RequestTimeout)

	assert.True(t, cfg.Telemetry.Statsd.Enabled)
}

func TestLoad_DurationAsNanoseconds(t *testing.T) {
	doc := `
bus:
  popTimeout: 2000000000
venues:
  - venue: spot
    wsBaseUrl: wss://stream.example.test
    restBaseUrl: https://api.example.test
    symbols: [BTCUSDT]
    timeframes: [5m]
`
	cfg, err := Load(writeConfig(t, "marketd.yaml", doc))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Bus.PopTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MARKETD_LOG_LEVEL", "error")
	t.Setenv("MARKETD_BUS_MAX_QUEUE_SIZE", "128")
	t.Setenv("MARKETD_BUS_SUBSCRIPTION_MAX_SUBSCRIPTIONS", "42")
	t.Setenv("MARKETD_STORE_PATH", "/var/lib/marketd/candles.db")
	t.Setenv("MARKETD_SWEEP_SCHEDULE", "@every 1h")
	t.Setenv("MARKETD_TELEMETRY_STATSD_FLUSH_INTERVAL", "45s")
	t.Setenv("MARKETD_VENUE_SPOT_RECONNECT_DELAY", "7s")
	t.Setenv("MARKETD_VENUE_SPOT_SYMBOLS", "SOLUSDT, ADAUSDT")
	t.Setenv("MARKETD_VENUE_USDM_BACKFILL_CONCURRENCY", "2")

	cfg, err := Load(writeConfig(t, "marketd.yaml", yamlDoc))
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format, "file value survives where env is silent")
	assert.Equal(t, 128, cfg.Bus.MaxQueueSize)
	assert.Equal(t, 42, cfg.Bus.Subscription.MaxSubscriptions)
	assert.Equal(t, "/var/lib/marketd/candles.db", cfg.Store.Path)
	assert.Equal(t, "@every 1h", cfg.Sweep.Schedule)
	assert.Equal(t, 45*time.Second, cfg.Telemetry.Statsd.FlushInterval)

	assert.Equal(t, 7*time.Second, cfg.Venues[0].ReconnectDelay)
	assert.Equal(t, []string{"SOLUSDT", "ADAUSDT"}, cfg.Venues[0].Symbols)
	assert.Equal(t, 2, cfg.Venues[1].BackfillConcurrency)
	assert.Equal(t, 5*time.Second, cfg.Venues[1].ReconnectDelay,
		"overrides are scoped to one venue")
}

func TestLoad_Failures(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "read config")
	})

	t.Run("unknown extension", func(t *testing.T) {
		_, err := Load(writeConfig(t, "marketd.ini", "[logging]"))
		assert.ErrorIs(t, err, ErrUnknownFormat)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "marketd.yaml", "logging: ["))
		assert.ErrorContains(t, err, "parse yaml")
	})

	t.Run("wrong scalar type", func(t *testing.T) {
		_, err := Load(writeConfig(t, "marketd.yaml", "bus:\n  maxQueueSize: plenty\n"))
		require.Error(t, err)
		assert.ErrorContains(t, err, "maxQueueSize")
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("MARKETD_BUS_NUM_WORKERS", "many")
		_, err := Load(writeConfig(t, "marketd.yaml", yamlDoc))
		assert.ErrorContains(t, err, "environment overrides")
	})

	t.Run("fails validation", func(t *testing.T) {
		doc := "venues:\n  - venue: nyse\n"
		_, err := Load(writeConfig(t, "marketd.yaml", doc))
		require.Error(t, err)
		assertSection(t, err, "venues")
	})
}
