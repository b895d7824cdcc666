// Package config provides YAML file loading with environment-variable
// overrides for the BATV milter.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shineum/batv-milter/internal/filter"
	"github.com/shineum/batv-milter/internal/hosts"
	"github.com/shineum/batv-milter/internal/milter"
	"github.com/shineum/batv-milter/internal/prvs"
)

// Defaults.
const (
	defaultListen      = "unix:/run/batv-milter/batv-milter.sock"
	defaultLifetime    = 7
	defaultMetricsPath = "/metrics"
)

var defaultInternalHosts = []string{"127.0.0.0/8", "::1"}

// Config holds the complete application configuration.
type Config struct {
	Milter  MilterConfig  `yaml:"milter"`
	BATV    BATVConfig    `yaml:"batv"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MilterConfig holds the MTA-facing socket.
type MilterConfig struct {
	Listen string `yaml:"listen"`
	// SocketMode is an octal permission string such as "0660".
	SocketMode string `yaml:"socket_mode"`
}

// BATVConfig holds signing and verification settings.
type BATVConfig struct {
	Sign                bool     `yaml:"sign"`
	Verify              bool     `yaml:"verify"`
	Lifetime            int      `yaml:"lifetime"`
	SubAddressDelimiter string   `yaml:"sub_address_delimiter"`
	KeyFile             string   `yaml:"key_file"`
	KeyMapFile          string   `yaml:"key_map_file"`
	// WatchKeys reloads the key files when they change on disk.
	WatchKeys           bool     `yaml:"watch_keys"`
	InternalHosts       []string `yaml:"internal_hosts"`
	OnInternalError     string   `yaml:"on_internal_error"`
}

// MetricsConfig holds the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if _, err := milter.ParseListen(c.Milter.Listen); err != nil {
		return fmt.Errorf("milter.listen: %w", err)
	}
	if _, err := c.SocketMode(); err != nil {
		return err
	}
	if c.BATV.Lifetime < 1 || c.BATV.Lifetime > prvs.MaxLifetime {
		return fmt.Errorf("batv.lifetime must be between 1 and %d, got %d", prvs.MaxLifetime, c.BATV.Lifetime)
	}
	if len(c.BATV.SubAddressDelimiter) > 1 {
		return fmt.Errorf("batv.sub_address_delimiter must be a single character, got %q", c.BATV.SubAddressDelimiter)
	}
	if c.BATV.KeyFile == "" && c.BATV.KeyMapFile == "" {
		return errors.New("batv.key_file or batv.key_map_file must be set")
	}
	if _, err := c.FailurePolicy(); err != nil {
		return fmt.Errorf("batv.on_internal_error: %w", err)
	}
	if _, err := hosts.Parse(c.BATV.InternalHosts); err != nil {
		return fmt.Errorf("batv.internal_hosts: %w", err)
	}
	return nil
}

// Delimiter returns the sub-address delimiter byte, or 0 when unset.
func (c *Config) Delimiter() byte {
	if c.BATV.SubAddressDelimiter == "" {
		return 0
	}
	return c.BATV.SubAddressDelimiter[0]
}

// SocketMode parses milter.socket_mode. An empty value yields 0.
func (c *Config) SocketMode() (fs.FileMode, error) {
	if c.Milter.SocketMode == "" {
		return 0, nil
	}
	mode, err := strconv.ParseUint(c.Milter.SocketMode, 8, 32)
	if err != nil || mode > 0o777 {
		return 0, fmt.Errorf("milter.socket_mode must be an octal permission, got %q", c.Milter.SocketMode)
	}
	return fs.FileMode(mode), nil
}

// FailurePolicy parses batv.on_internal_error.
func (c *Config) FailurePolicy() (filter.FailurePolicy, error) {
	return filter.ParseFailurePolicy(c.BATV.OnInternalError)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Milter.Listen = defaultListen
	c.BATV.Sign = true
	c.BATV.Verify = true
	c.BATV.Lifetime = defaultLifetime
	c.BATV.InternalHosts = append([]string(nil), defaultInternalHosts...)
	c.BATV.OnInternalError = "tempfail"
	c.Metrics.Path = defaultMetricsPath
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("BATV_LISTEN"); v != "" {
		c.Milter.Listen = v
	}
	if v := os.Getenv("BATV_SOCKET_MODE"); v != "" {
		c.Milter.SocketMode = v
	}

	if v := os.Getenv("BATV_SIGN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.BATV.Sign = b
		}
	}
	if v := os.Getenv("BATV_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.BATV.Verify = b
		}
	}
	if v := os.Getenv("BATV_LIFETIME"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BATV.Lifetime = n
		}
	}
	if v := os.Getenv("BATV_DELIMITER"); v != "" {
		c.BATV.SubAddressDelimiter = v
	}
	if v := os.Getenv("BATV_KEY_FILE"); v != "" {
		c.BATV.KeyFile = v
	}
	if v := os.Getenv("BATV_KEY_MAP_FILE"); v != "" {
		c.BATV.KeyMapFile = v
	}
	if v := os.Getenv("BATV_WATCH_KEYS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.BATV.WatchKeys = b
		}
	}
	if v := os.Getenv("BATV_INTERNAL_HOSTS"); v != "" {
		var list []string
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				list = append(list, h)
			}
		}
		c.BATV.InternalHosts = list
	}
	if v := os.Getenv("BATV_ON_INTERNAL_ERROR"); v != "" {
		c.BATV.OnInternalError = strings.ToLower(v)
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
