// Package config loads the YAML-driven demo configuration: the seed
// node address and the dial/timer/logging knobs cmd/rdxcluster needs
// to stand up a Cluster.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds demo/runtime configuration for a Cluster instance.
type Config struct {
	Seed          string        `yaml:"seed"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	TimerInterval time.Duration `yaml:"timerInterval"`
	LogLevel      string        `yaml:"logLevel"`
	LogDir        string        `yaml:"logDir"`
	LogFilePrefix string        `yaml:"logFilePrefix"`

	path string
}

// ValidationError collects configuration issues.
type ValidationError struct {
	Path   string
	Errors []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("config: validation failed")
	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteString(")")
	}
	for _, err := range e.Errors {
		b.WriteString("\n - ")
		b.WriteString(err)
	}
	return b.String()
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: path is empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", absPath, err)
	}

	cfg.path = absPath
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.TimerInterval <= 0 {
		c.TimerInterval = 200 * time.Millisecond
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.LogFilePrefix == "" {
		c.LogFilePrefix = "rdxcluster"
	}
}

func (c *Config) validate() error {
	var errs []string

	if c.Seed == "" {
		errs = append(errs, "seed is required (host:port of a cluster node)")
	} else if !strings.Contains(c.Seed, ":") {
		errs = append(errs, fmt.Sprintf("seed %q must be host:port", c.Seed))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, "dialTimeout must be > 0")
	}
	if c.TimerInterval <= 0 {
		errs = append(errs, "timerInterval must be > 0")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logLevel %q must be one of debug/info/warn/error", c.LogLevel))
	}

	if len(errs) > 0 {
		return &ValidationError{Path: c.path, Errors: errs}
	}
	return nil
}

// Path returns the absolute path the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// SeedHostPort splits Seed into host and port.
func (c *Config) SeedHostPort() (host, port string, err error) {
	idx := strings.LastIndex(c.Seed, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("config: seed %q has no port", c.Seed)
	}
	return c.Seed[:idx], c.Seed[idx+1:], nil
}

// Summary returns a concise one-line overview.
func (c *Config) Summary() string {
	return fmt.Sprintf("seed=%s dialTimeout=%s timerInterval=%s logLevel=%s logDir=%s",
		c.Seed, c.DialTimeout, c.TimerInterval, c.LogLevel, c.LogDir)
}
