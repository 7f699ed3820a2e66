// Package config loads the YAML configuration of the streaming server binary.
//
// Configuration comes from a single file, given by the MCP_STREAM_CONFIG environment
// variable or the --config flag. Values missing from the file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends understood by the binary.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Config is the configuration of the streaming server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Stream  StreamConfig  `yaml:"stream"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr"`
	// Endpoint is the path serving the JSON-RPC endpoint.
	Endpoint string `yaml:"endpoint"`
	// MetricsEndpoint is the path serving Prometheus metrics. Empty disables it.
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// SessionConfig configures session expiry.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StreamConfig configures notification streams.
type StreamConfig struct {
	// QueueSize bounds the events buffered for a single connection before it is dropped.
	QueueSize int `yaml:"queue_size"`
	// Heartbeat is the interval of keep-alive comments on idle streams.
	Heartbeat time.Duration `yaml:"heartbeat"`
	// BroadcastConcurrency bounds the sessions written in parallel by a server-wide broadcast.
	BroadcastConcurrency int `yaml:"broadcast_concurrency"`
}

// StorageConfig selects the session storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	// Path is the database file of the sqlite and bolt backends.
	Path string `yaml:"path"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for any value the file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Endpoint:        "/mcp",
			MetricsEndpoint: "/metrics",
		},
		Session: SessionConfig{
			TTL:           30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Stream: StreamConfig{
			QueueSize:            256,
			Heartbeat:            15 * time.Second,
			BroadcastConcurrency: 16,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the file named by MCP_STREAM_CONFIG, or returns the defaults when the
// variable is not set.
func Load() (*Config, error) {
	path := os.Getenv("MCP_STREAM_CONFIG")
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile loads and validates the configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !strings.HasPrefix(c.Server.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("server.endpoint must start with '/': %q", c.Server.Endpoint))
	}
	if c.Server.MetricsEndpoint != "" && !strings.HasPrefix(c.Server.MetricsEndpoint, "/") {
		errs = append(errs, fmt.Errorf("server.metrics_endpoint must start with '/': %q", c.Server.MetricsEndpoint))
	}

	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("session.sweep_interval must be positive"))
	}

	if c.Stream.QueueSize <= 0 {
		errs = append(errs, errors.New("stream.queue_size must be positive"))
	}
	if c.Stream.Heartbeat <= 0 {
		errs = append(errs, errors.New("stream.heartbeat must be positive"))
	}
	if c.Stream.BroadcastConcurrency <= 0 {
		errs = append(errs, errors.New("stream.broadcast_concurrency must be positive"))
	}

	backends := []string{BackendMemory, BackendSQLite, BackendBolt}
	if !slices.Contains(backends, c.Storage.Backend) {
		errs = append(errs, fmt.Errorf("storage.backend must be one of: %v", backends))
	}
	if c.Storage.Backend != BackendMemory && c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json: %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlogLevel converts Level to a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level is invalid: %w", err)
	}
	return level, nil
}
