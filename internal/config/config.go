package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for the download server environment variables.
type Config struct {
	ModelsDir   string `envconfig:"MODELS_DIR" default:"models"`
	FoldersFile string `envconfig:"FOLDERS_FILE"`

	TrustedDomains []string `envconfig:"TRUSTED_DOMAINS"`
	EnforceTrust   bool     `envconfig:"ENFORCE_TRUST" default:"true"`

	MaxParallel      int           `envconfig:"MAX_PARALLEL" default:"3"`
	KeepFinishedFor  time.Duration `envconfig:"KEEP_FINISHED_FOR" default:"60s"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s"`
	HeadTimeout      time.Duration `envconfig:"HEAD_TIMEOUT" default:"30s"`
	// BandwidthLimit caps each download, e.g. "20 MB". Empty means unlimited.
	BandwidthLimit string `envconfig:"BANDWIDTH_LIMIT"`

	HistoryRetention time.Duration `envconfig:"HISTORY_RETENTION" default:"720h"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string `envconfig:"DB_PATH" default:"downloads.db"`

	Telemetry struct {
		OTLPEndpoint   string        `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
		ServiceName    string        `envconfig:"OTEL_SERVICE_NAME" default:"model-downloader"`
		ExportInterval time.Duration `split_words:"true" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8188"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// ClientConfig holds the settings of the modeldl command line client.
type ClientConfig struct {
	ServerURL      string        `envconfig:"MODELDL_SERVER" default:"http://127.0.0.1:8188"`
	TrustedDomains []string      `envconfig:"TRUSTED_DOMAINS"`
	EnforceTrust   bool          `envconfig:"ENFORCE_TRUST" default:"true"`
	RequestTimeout time.Duration `envconfig:"MODELDL_REQUEST_TIMEOUT" default:"30s"`
	ReconnectDelay time.Duration `envconfig:"MODELDL_RECONNECT_DELAY" default:"2s"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"INFO"`
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", cfg.MaxParallel)
	}

	if cfg.CleanupInterval <= 0 {
		return nil, fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", cfg.CleanupInterval)
	}

	if _, err := cfg.BandwidthBytes(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// BandwidthBytes returns BandwidthLimit in bytes per second, 0 when unset.
func (c *Config) BandwidthBytes() (int64, error) {
	if strings.TrimSpace(c.BandwidthLimit) == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(c.BandwidthLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid BANDWIDTH_LIMIT %q: %w", c.BandwidthLimit, err)
	}

	return int64(n), nil
}

// LoadClientConfig reads the client environment.
func LoadClientConfig() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	return parseLevel(c.LogLevel)
}

func (c *ClientConfig) SlogLevel() slog.Level {
	return parseLevel(c.LogLevel)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
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
