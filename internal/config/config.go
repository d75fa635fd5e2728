package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	RPCURL      string        `envconfig:"ARIA2_RPC_URL" default:"ws://localhost:6800/jsonrpc"`
	Secret      string        `envconfig:"ARIA2_SECRET"`
	CallTimeout time.Duration `envconfig:"ARIA2_CALL_TIMEOUT" default:"10s"`
	OpenTimeout time.Duration `envconfig:"ARIA2_OPEN_TIMEOUT" default:"5s"`

	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	RelistInterval time.Duration `envconfig:"RELIST_INTERVAL" default:"30s"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"INFO"`

	DiscordWebhookURL   string `envconfig:"DISCORD_WEBHOOK_URL"`
	NotifyRatePerMinute int    `envconfig:"NOTIFY_RATE_PER_MINUTE" default:"20"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"aria2_monitor"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		Enabled         bool          `split_words:"true" default:"true"`
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}

	if cfg.NotifyRatePerMinute <= 0 {
		return nil, fmt.Errorf("NOTIFY_RATE_PER_MINUTE must be positive, got %d", cfg.NotifyRatePerMinute)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
