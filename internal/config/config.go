// ABOUTME: Configuration loading and parsing for the loom client
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Uploads UploadsConfig `yaml:"uploads"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds gateway endpoint configuration.
type ServerConfig struct {
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
	Token     string `yaml:"token"`
}

// SessionConfig holds connection and reconnection tuning.
type SessionConfig struct {
	ConnectTimeout     time.Duration `yaml:"-"`
	ResponseTimeout    time.Duration `yaml:"-"`
	ReconnectBaseDelay time.Duration `yaml:"-"`
	ReconnectMaxDelay  time.Duration `yaml:"-"`

	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	HistoryPageSize      int `yaml:"history_page_size"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw     string `yaml:"connect_timeout"`
	ResponseTimeoutRaw    string `yaml:"response_timeout"`
	ReconnectBaseDelayRaw string `yaml:"reconnect_base_delay"`
	ReconnectMaxDelayRaw  string `yaml:"reconnect_max_delay"`
}

// UploadsConfig holds file upload behavior.
type UploadsConfig struct {
	MaxFileSize    int64 `yaml:"max_file_size"`
	CancelOnSwitch bool  `yaml:"cancel_on_switch"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values the file left unset. The stream URL is
// derived from the base URL when absent.
func (c *Config) applyDefaults() {
	if c.Session.ConnectTimeout == 0 {
		c.Session.ConnectTimeout = 10 * time.Second
	}
	if c.Session.ResponseTimeout == 0 {
		c.Session.ResponseTimeout = 30 * time.Second
	}
	if c.Session.ReconnectBaseDelay == 0 {
		c.Session.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.Session.ReconnectMaxDelay == 0 {
		c.Session.ReconnectMaxDelay = 15 * time.Second
	}
	if c.Session.MaxReconnectAttempts == 0 {
		c.Session.MaxReconnectAttempts = 5
	}
	if c.Session.HistoryPageSize == 0 {
		c.Session.HistoryPageSize = 50
	}
	if c.Uploads.MaxFileSize == 0 {
		c.Uploads.MaxFileSize = 50 * 1024 * 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Server.StreamURL == "" && c.Server.BaseURL != "" {
		c.Server.StreamURL = deriveStreamURL(c.Server.BaseURL)
	}
}

// deriveStreamURL turns an http(s) base URL into the matching ws(s) stream
// endpoint.
func deriveStreamURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return ""
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if _, err := url.Parse(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url is not a valid URL: %w", err)
	}
	if c.Server.StreamURL == "" {
		return fmt.Errorf("server.stream_url could not be derived from %q", c.Server.BaseURL)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	if c.Uploads.MaxFileSize < 0 {
		return fmt.Errorf("uploads.max_file_size must not be negative")
	}
	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("session.max_reconnect_attempts must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	parse := func(name, raw string, out *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", name, raw, err)
		}
		*out = d
		return nil
	}

	s := &cfg.Session
	if err := parse("connect_timeout", s.ConnectTimeoutRaw, &s.ConnectTimeout); err != nil {
		return err
	}
	if err := parse("response_timeout", s.ResponseTimeoutRaw, &s.ResponseTimeout); err != nil {
		return err
	}
	if err := parse("reconnect_base_delay", s.ReconnectBaseDelayRaw, &s.ReconnectBaseDelay); err != nil {
		return err
	}
	if err := parse("reconnect_max_delay", s.ReconnectMaxDelayRaw, &s.ReconnectMaxDelay); err != nil {
		return err
	}
	return nil
}
