// ABOUTME: Configuration loading and parsing for daq-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied to unset fields.
const (
	DefaultDeviceAddr       = "0.0.0.0:7070"
	DefaultHTTPAddr         = "0.0.0.0:8080"
	DefaultMaxFrameBytes    = 1 << 20
	DefaultDuplicatePolicy  = "reject"
	DefaultEvictTimeout     = 5 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultRelayPrefix      = "/daq"
	DefaultSubscriberBuffer = 64
)

// Config represents the complete daq-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Devices   DevicesConfig   `yaml:"devices" toml:"devices"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	DeviceAddr string `yaml:"device_addr" toml:"device_addr"`
	HTTPAddr   string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr   string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC health service
}

// DevicesConfig holds device session settings
type DevicesConfig struct {
	MaxFrameBytes   int    `yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	DuplicatePolicy string `yaml:"duplicate_policy" toml:"duplicate_policy"` // reject or evict

	ReadTimeout     time.Duration `yaml:"-" toml:"-"`
	EvictTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReadTimeoutRaw     string `yaml:"read_timeout" toml:"read_timeout"`
	EvictTimeoutRaw    string `yaml:"evict_timeout" toml:"evict_timeout"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// RelayConfig holds pub/sub relay settings
type RelayConfig struct {
	Prefix           string   `yaml:"prefix" toml:"prefix"`
	AllowedOrigins   []string `yaml:"allowed_origins" toml:"allowed_origins"`
	SubscriberBuffer int      `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"` // empty keeps the device directory in memory
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, isTOML(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, defaults, and validates configuration bytes.
func Parse(data []byte, asTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if asTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
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

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.DeviceAddr == "" && !c.Tailscale.Enabled {
		c.Server.DeviceAddr = DefaultDeviceAddr
	}
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Devices.MaxFrameBytes == 0 {
		c.Devices.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Devices.DuplicatePolicy == "" {
		c.Devices.DuplicatePolicy = DefaultDuplicatePolicy
	}
	if c.Devices.EvictTimeout == 0 {
		c.Devices.EvictTimeout = DefaultEvictTimeout
	}
	if c.Devices.ShutdownTimeout == 0 {
		c.Devices.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Relay.Prefix == "" {
		c.Relay.Prefix = DefaultRelayPrefix
	}
	if c.Relay.SubscriberBuffer == 0 {
		c.Relay.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Listener addresses are required unless Tailscale provides them
	if !c.Tailscale.Enabled {
		if c.Server.DeviceAddr == "" {
			return fmt.Errorf("server.device_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Devices.DuplicatePolicy {
	case "reject", "evict":
	default:
		return fmt.Errorf("devices.duplicate_policy must be reject or evict, got %q", c.Devices.DuplicatePolicy)
	}

	if c.Devices.MaxFrameBytes < 0 {
		return fmt.Errorf("devices.max_frame_bytes must not be negative")
	}
	if c.Devices.ReadTimeout < 0 || c.Devices.EvictTimeout < 0 || c.Devices.ShutdownTimeout < 0 {
		return fmt.Errorf("devices timeouts must not be negative")
	}

	if !strings.HasPrefix(c.Relay.Prefix, "/") {
		return fmt.Errorf("relay.prefix must start with /, got %q", c.Relay.Prefix)
	}
	if c.Relay.SubscriberBuffer < 0 {
		return fmt.Errorf("relay.subscriber_buffer must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"read_timeout", cfg.Devices.ReadTimeoutRaw, &cfg.Devices.ReadTimeout},
		{"evict_timeout", cfg.Devices.EvictTimeoutRaw, &cfg.Devices.EvictTimeout},
		{"shutdown_timeout", cfg.Devices.ShutdownTimeoutRaw, &cfg.Devices.ShutdownTimeout},
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
	return nil
}
