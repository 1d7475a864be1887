// Package config loads harness settings from MCP_HARNESS_* environment
// variables. Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Defaults for values not supplied through the environment.
const (
	DefaultTimeout   = 10 * time.Second
	DefaultGrace     = 3 * time.Second
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
	DefaultBanner    = "Weather MCP Server running on stdio"
)

// Config is the harness configuration. List values in the environment are
// separated by ';'.
type Config struct {
	// Command is the server executable. ENV: MCP_HARNESS_COMMAND
	Command string `env:"MCP_HARNESS_COMMAND"`
	// Args are passed to Command. ENV: MCP_HARNESS_ARGS
	Args []string `env:"MCP_HARNESS_ARGS"`
	// Scenario is a YAML scenario file; empty runs the built-in one.
	// ENV: MCP_HARNESS_SCENARIO
	Scenario string `env:"MCP_HARNESS_SCENARIO"`
	// Timeout bounds each request. ENV: MCP_HARNESS_TIMEOUT
	Timeout time.Duration `env:"MCP_HARNESS_TIMEOUT,default=10s"`
	// Grace is the wait between SIGTERM and SIGKILL. ENV: MCP_HARNESS_GRACE
	Grace time.Duration `env:"MCP_HARNESS_GRACE,default=3s"`
	// LogLevel is debug, info, warn or error. ENV: MCP_HARNESS_LOG_LEVEL
	LogLevel string `env:"MCP_HARNESS_LOG_LEVEL,default=info"`
	// LogFormat is text or json. ENV: MCP_HARNESS_LOG_FORMAT
	LogFormat string `env:"MCP_HARNESS_LOG_FORMAT,default=text"`
	// AllowStderr lists stderr lines that are not reported.
	// ENV: MCP_HARNESS_ALLOW_STDERR
	AllowStderr []string `env:"MCP_HARNESS_ALLOW_STDERR"`
	// Strict turns failed steps into a failing exit code.
	// ENV: MCP_HARNESS_STRICT
	Strict bool `env:"MCP_HARNESS_STRICT"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Timeout:     DefaultTimeout,
		Grace:       DefaultGrace,
		LogLevel:    DefaultLogLevel,
		LogFormat:   DefaultLogFormat,
		AllowStderr: []string{DefaultBanner},
	}
}

// FromEnv decodes the environment over Default.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if len(cfg.AllowStderr) == 0 {
		cfg.AllowStderr = []string{DefaultBanner}
	}
	return cfg, nil
}

// Validate checks the values a run depends on.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Command) == "" {
		errs = append(errs, errors.New("a server command is required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.Grace <= 0 {
		errs = append(errs, fmt.Errorf("grace must be positive, got %s", c.Grace))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}
