package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:6800/jsonrpc", cfg.RPCURL)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, 5*time.Second, cfg.OpenTimeout)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.RelistInterval)
	assert.Equal(t, 20, cfg.NotifyRatePerMinute)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "aria2_monitor", cfg.Telemetry.ServiceName)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ARIA2_RPC_URL", "ws://aria2:6800/jsonrpc")
	t.Setenv("ARIA2_SECRET", "s3cret")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("API_USERNAME", "admin")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:8080")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "ws://aria2:6800/jsonrpc", cfg.RPCURL)
	assert.Equal(t, "s3cret", cfg.Secret)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "admin", cfg.API.Username)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.BindAddress)
}

func TestLoadConfig_RejectsNonPositivePollInterval(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "0s")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
