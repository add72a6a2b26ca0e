// ABOUTME: Configuration loading and parsing for fold-bridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the corresponding field is absent.
const (
	DefaultInvokeTimeout        = 30 * time.Second
	DefaultOverloadGrace        = 100 * time.Millisecond
	DefaultDiscoveryInterval    = 30 * time.Second
	DefaultProbeInterval        = 2 * time.Second
	DefaultReconnectMinInterval = 500 * time.Millisecond
	DefaultReconnectMaxInterval = 30 * time.Second
	DefaultConcurrencyLimit     = 16
)

// Config represents the complete fold-bridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Backends  []BackendConfig `yaml:"backends"`
	Invoke    InvokeConfig    `yaml:"invoke"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve TLS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// BackendConfig identifies one backend and its invocation limits.
type BackendConfig struct {
	// ID is the stable backend identity. It namespaces every route path,
	// so it must not contain a path separator.
	ID  string `yaml:"id"`
	URL string `yaml:"url"`

	// ConcurrencyLimit bounds in-flight invocations toward this backend.
	ConcurrencyLimit int64 `yaml:"concurrency_limit"`

	// Timeout overrides invoke.default_timeout for this backend.
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// InvokeConfig holds invocation timing configuration
type InvokeConfig struct {
	DefaultTimeout time.Duration `yaml:"-"`
	OverloadGrace  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DefaultTimeoutRaw string `yaml:"default_timeout"`
	OverloadGraceRaw  string `yaml:"overload_grace"`
}

// DiscoveryConfig holds capability discovery timing configuration
type DiscoveryConfig struct {
	Interval      time.Duration `yaml:"-"`
	ProbeInterval time.Duration `yaml:"-"`

	IntervalRaw      string `yaml:"interval"`
	ProbeIntervalRaw string `yaml:"probe_interval"`
}

// ReconnectConfig holds reconnect backoff bounds
type ReconnectConfig struct {
	MinInterval time.Duration `yaml:"-"`
	MaxInterval time.Duration `yaml:"-"`

	MinIntervalRaw string `yaml:"min_interval"`
	MaxIntervalRaw string `yaml:"max_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backends[%d].id is required", i)
		}
		if strings.Contains(b.ID, "/") {
			return fmt.Errorf("backends[%d].id %q must not contain '/'", i, b.ID)
		}
		if b.URL == "" {
			return fmt.Errorf("backends[%d].url is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate backend id %q", b.ID)
		}
		seen[b.ID] = true
		if b.ConcurrencyLimit < 0 {
			return fmt.Errorf("backends[%d].concurrency_limit must not be negative", i)
		}
	}

	if c.Reconnect.MinInterval > c.Reconnect.MaxInterval {
		return fmt.Errorf("reconnect.min_interval %s exceeds reconnect.max_interval %s",
			c.Reconnect.MinInterval, c.Reconnect.MaxInterval)
	}

	return nil
}

// applyDefaults fills in zero-valued timing and limit fields.
func (c *Config) applyDefaults() {
	if c.Invoke.DefaultTimeout == 0 {
		c.Invoke.DefaultTimeout = DefaultInvokeTimeout
	}
	if c.Invoke.OverloadGrace == 0 {
		c.Invoke.OverloadGrace = DefaultOverloadGrace
	}
	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = DefaultDiscoveryInterval
	}
	if c.Discovery.ProbeInterval == 0 {
		c.Discovery.ProbeInterval = DefaultProbeInterval
	}
	if c.Reconnect.MinInterval == 0 {
		c.Reconnect.MinInterval = DefaultReconnectMinInterval
	}
	if c.Reconnect.MaxInterval == 0 {
		c.Reconnect.MaxInterval = DefaultReconnectMaxInterval
	}
	for i := range c.Backends {
		if c.Backends[i].ConcurrencyLimit == 0 {
			c.Backends[i].ConcurrencyLimit = DefaultConcurrencyLimit
		}
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Invoke.DefaultTimeoutRaw, &cfg.Invoke.DefaultTimeout, "invoke.default_timeout"},
		{cfg.Invoke.OverloadGraceRaw, &cfg.Invoke.OverloadGrace, "invoke.overload_grace"},
		{cfg.Discovery.IntervalRaw, &cfg.Discovery.Interval, "discovery.interval"},
		{cfg.Discovery.ProbeIntervalRaw, &cfg.Discovery.ProbeInterval, "discovery.probe_interval"},
		{cfg.Reconnect.MinIntervalRaw, &cfg.Reconnect.MinInterval, "reconnect.min_interval"},
		{cfg.Reconnect.MaxIntervalRaw, &cfg.Reconnect.MaxInterval, "reconnect.max_interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	for i := range cfg.Backends {
		if cfg.Backends[i].TimeoutRaw == "" {
			continue
		}
		d, err := time.ParseDuration(cfg.Backends[i].TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing backends[%d].timeout %q: %w", i, cfg.Backends[i].TimeoutRaw, err)
		}
		cfg.Backends[i].Timeout = d
	}

	return nil
}
