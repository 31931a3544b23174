// Package config loads server configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment variable, e.g. VOICELINK_LISTEN_ADDR.
const EnvPrefix = "voicelink"

// Config holds all tunables of the voicelink server.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:3000"`
	// PublicDir, when set, is served as static files at the root path.
	PublicDir string `envconfig:"PUBLIC_DIR"`

	// TLSCertFile/TLSKeyFile enable TLS when both point at readable files;
	// otherwise the server falls back to plain HTTP.
	TLSCertFile string `envconfig:"TLS_CERT_FILE"`
	TLSKeyFile  string `envconfig:"TLS_KEY_FILE"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// External ICE credential provider. Empty ProviderURL disables it and
	// clients always receive the static fallback list.
	ProviderURL     string        `envconfig:"PROVIDER_URL"`
	ProviderID      string        `envconfig:"PROVIDER_ID"`
	ProviderSecret  string        `envconfig:"PROVIDER_SECRET"`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`

	// Per-connection signaling hardening.
	MaxMessageBytes      int64         `envconfig:"MAX_MESSAGE_BYTES" default:"65536"`
	MaxMessagesPerSecond int           `envconfig:"MAX_MESSAGES_PER_SECOND" default:"50"`
	ClientSendBuffer     int           `envconfig:"CLIENT_SEND_BUFFER" default:"32"`
	PingInterval         time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("config: TLS requires both cert and key files")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: max message bytes must be positive")
	}
	if c.MaxMessagesPerSecond <= 0 {
		return fmt.Errorf("config: max messages per second must be positive")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unsupported log format %q", c.LogFormat)
	}
	return nil
}

// TLSEnabled reports whether both TLS files are configured and readable.
func (c Config) TLSEnabled() bool {
	if c.TLSCertFile == "" || c.TLSKeyFile == "" {
		return false
	}
	for _, f := range []string{c.TLSCertFile, c.TLSKeyFile} {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unsupported log level %q", level)
	}
}

// NewLogger builds the process logger from the configured level and format.
func NewLogger(cfg Config) (*slog.Logger, error) {
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("config: unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}
