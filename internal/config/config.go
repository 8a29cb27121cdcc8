// ABOUTME: Configuration loading and parsing for fleet-manager
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
)

// Config represents the complete fleet-manager configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listen addresses
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"` // agent control connections
	HTTPAddr   string `yaml:"http_addr" toml:"http_addr"`     // status API, empty disables it
}

// Port returns the numeric port of ListenAddr.
func (s ServerConfig) Port() (int, error) {
	_, portStr, err := net.SplitHostPort(s.ListenAddr)
	if err != nil {
		return 0, fmt.Errorf("server.listen_addr %q: %w", s.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("server.listen_addr %q: invalid port", s.ListenAddr)
	}
	return port, nil
}

// DiscoveryConfig holds UDP announcement settings
type DiscoveryConfig struct {
	Port            int           `yaml:"port" toml:"port"`
	BroadcastAddr   string        `yaml:"broadcast_addr" toml:"broadcast_addr"`
	AnnounceOnStart bool          `yaml:"announce_on_start" toml:"announce_on_start"`
	Timeout         time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HealthInterval   time.Duration `yaml:"-" toml:"-"`
	IOTimeout        time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	MaxMessageSize   int           `yaml:"max_message_size" toml:"max_message_size"`

	// Raw string values for unmarshaling
	HealthIntervalRaw   string `yaml:"health_interval" toml:"health_interval"`
	IOTimeoutRaw        string `yaml:"io_timeout" toml:"io_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"` // sqlite drivers
	DSN    string `yaml:"dsn" toml:"dsn"`   // postgres
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
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr: ":9999",
			HTTPAddr:   "127.0.0.1:8080",
		},
		Discovery: DiscoveryConfig{
			Port:            8888,
			BroadcastAddr:   "255.255.255.255",
			AnnounceOnStart: true,
			TimeoutRaw:      "2s",
		},
		Agents: AgentsConfig{
			MaxMessageSize:      1 << 20,
			HealthIntervalRaw:   "10s",
			IOTimeoutRaw:        "5s",
			HandshakeTimeoutRaw: "5s",
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   "~/.local/share/fleet/manager.db",
		},
		Tailscale: TailscaleConfig{
			Hostname: "fleet-manager",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
	// The raw defaults above always parse.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded. Files ending
// in .toml are decoded as TOML, anything else as YAML. Keys missing from the
// file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.finish(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) finish() error {
	if p := os.Getenv("FLEET_DB_PATH"); p != "" {
		c.Database.Path = p
	}
	c.Database.Path = ExpandHome(c.Database.Path)
	c.Tailscale.StateDir = ExpandHome(c.Tailscale.StateDir)

	// Parse duration fields
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
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

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if _, err := c.Server.Port(); err != nil {
		return err
	}

	if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
		return fmt.Errorf("discovery.port must be between 1 and 65535")
	}
	if net.ParseIP(c.Discovery.BroadcastAddr) == nil {
		return fmt.Errorf("discovery.broadcast_addr %q is not an IP address", c.Discovery.BroadcastAddr)
	}
	if c.Discovery.Timeout <= 0 {
		return fmt.Errorf("discovery.timeout must be positive")
	}

	// Deadlines are mandatory on every agent exchange
	if c.Agents.HealthInterval <= 0 {
		return fmt.Errorf("agents.health_interval must be positive")
	}
	if c.Agents.IOTimeout <= 0 {
		return fmt.Errorf("agents.io_timeout must be positive")
	}
	if c.Agents.HandshakeTimeout <= 0 {
		return fmt.Errorf("agents.handshake_timeout must be positive")
	}
	if c.Agents.MaxMessageSize <= 0 {
		return fmt.Errorf("agents.max_message_size must be positive")
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, postgres", c.Database.Driver)
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"discovery.timeout", cfg.Discovery.TimeoutRaw, &cfg.Discovery.Timeout},
		{"agents.health_interval", cfg.Agents.HealthIntervalRaw, &cfg.Agents.HealthInterval},
		{"agents.io_timeout", cfg.Agents.IOTimeoutRaw, &cfg.Agents.IOTimeout},
		{"agents.handshake_timeout", cfg.Agents.HandshakeTimeoutRaw, &cfg.Agents.HandshakeTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			*f.dst = 0
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.key, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
