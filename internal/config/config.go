// Package config handles application configuration: defaults, YAML
// loading, and the handful of paths/durations the demo binaries need.
// file: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkoosis/fast/internal/ferrors"
	"github.com/dkoosis/fast/internal/logging"
	"gopkg.in/yaml.v3"
)

var logger = logging.GetLogger("config")

// Duration is a time.Duration that unmarshals from YAML's short string form
// ("5s", "1m30s") rather than a raw integer of nanoseconds.
type Duration time.Duration

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses a duration string via time.ParseDuration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return ferrors.Wrapf(err, "invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back in time.Duration's string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Settings is the root configuration for both the demo server and client.
type Settings struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the demo Fast server.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// MaxFrameBytes is loaded from YAML but not passed to the server or
	// codec; the codec always enforces the 16 MiB wire limit.
	MaxFrameBytes int `yaml:"max_frame_bytes"`
	// RateLimitPerSecond bounds Read calls on each inbound connection
	// (0 disables).
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// ClientConfig configures the demo client / benchmark driver.
type ClientConfig struct {
	DialAddr string `yaml:"dial_addr"`
	// DefaultTimeout is the context deadline fastbench gives each scenario;
	// it is not passed to the client as a per-Rpc timeout.
	DefaultTimeout Duration `yaml:"default_timeout"`
	// NRecentRequests bounds the client's completed-request diagnostic ring buffer.
	NRecentRequests int `yaml:"n_recent_requests"`
	// CircuitBreaker guards repeated calls to a misbehaving server.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the client's resilience wrapper.
type CircuitBreakerConfig struct {
	Enabled              bool     `yaml:"enabled"`
	MaxFailures          uint32   `yaml:"max_failures"`
	Timeout              Duration `yaml:"timeout"`
	HalfOpenMaxSuccesses uint32   `yaml:"half_open_max_successes"`
}

// LogConfig configures process-wide structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// New returns Settings populated with the demo binaries' defaults.
func New() *Settings {
	logger.Debug("creating new configuration settings with defaults")
	return &Settings{
		Server: ServerConfig{
			ListenAddr:         ":7654",
			MaxFrameBytes:      16 * 1024 * 1024,
			RateLimitPerSecond: 0,
			RateLimitBurst:     0,
		},
		Client: ClientConfig{
			DialAddr:        "127.0.0.1:7654",
			DefaultTimeout:  Duration(10 * time.Second),
			NRecentRequests: 32,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:              false,
				MaxFailures:          5,
				Timeout:              Duration(30 * time.Second),
				HalfOpenMaxSuccesses: 1,
			},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and merges YAML configuration from path onto the defaults.
// A missing file is not an error; New()'s defaults are used as-is.
func Load(path string) (*Settings, error) {
	settings := New()
	if path == "" {
		return settings, nil
	}

	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("config file not found, using defaults", "path", expanded)
			return settings, nil
		}
		return nil, ferrors.Wrapf(err, "reading config file %q", expanded)
	}

	if err := yaml.Unmarshal(raw, settings); err != nil {
		return nil, ferrors.Wrapf(err, "parsing config file %q", expanded)
	}
	return settings, nil
}

// GetServerAddress returns the server's configured listen address.
func (s *Settings) GetServerAddress() string {
	return s.Server.ListenAddr
}

// ExpandPath expands a leading ~ into the user's home directory.
func ExpandPath(path string) (string, error) {
	logger.Debug("expanding path", "input_path", path)
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", ferrors.Wrap(err, "failed to get user home directory")
	}
	if path == "~" {
		return home, nil
	}
	if !strings.HasPrefix(path, "~"+string(filepath.Separator)) && !strings.HasPrefix(path, "~/") {
		return "", fmt.Errorf("unsupported path form: %s", path)
	}
	return filepath.Join(home, path[2:]), nil
}
