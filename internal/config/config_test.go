// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "manager.yaml", `
server:
  listen_addr: "0.0.0.0:7777"
  http_addr: ""

discovery:
  port: 8899
  broadcast_addr: "10.0.0.255"
  announce_on_start: false
  timeout: "500ms"

agents:
  health_interval: "30s"
  io_timeout: "3s"
  handshake_timeout: "1s"
  max_message_size: 4096

database:
  driver: "sqlite3"
  path: "./test.db"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: false
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != "0.0.0.0:7777" {
		t.Errorf("Server.ListenAddr = %q, want %q", cfg.Server.ListenAddr, "0.0.0.0:7777")
	}
	if cfg.Server.HTTPAddr != "" {
		t.Errorf("Server.HTTPAddr = %q, want empty", cfg.Server.HTTPAddr)
	}
	if port, err := cfg.Server.Port(); err != nil || port != 7777 {
		t.Errorf("Server.Port() = %d, %v, want 7777", port, err)
	}

	if cfg.Discovery.Port != 8899 {
		t.Errorf("Discovery.Port = %d, want 8899", cfg.Discovery.Port)
	}
	if cfg.Discovery.BroadcastAddr != "10.0.0.255" {
		t.Errorf("Discovery.BroadcastAddr = %q", cfg.Discovery.BroadcastAddr)
	}
	if cfg.Discovery.AnnounceOnStart {
		t.Error("Discovery.AnnounceOnStart = true, want false")
	}
	if cfg.Discovery.Timeout != 500*time.Millisecond {
		t.Errorf("Discovery.Timeout = %v, want 500ms", cfg.Discovery.Timeout)
	}

	if cfg.Agents.HealthInterval != 30*time.Second {
		t.Errorf("Agents.HealthInterval = %v, want 30s", cfg.Agents.HealthInterval)
	}
	if cfg.Agents.IOTimeout != 3*time.Second {
		t.Errorf("Agents.IOTimeout = %v, want 3s", cfg.Agents.IOTimeout)
	}
	if cfg.Agents.HandshakeTimeout != time.Second {
		t.Errorf("Agents.HandshakeTimeout = %v, want 1s", cfg.Agents.HandshakeTimeout)
	}
	if cfg.Agents.MaxMessageSize != 4096 {
		t.Errorf("Agents.MaxMessageSize = %d, want 4096", cfg.Agents.MaxMessageSize)
	}

	if cfg.Database.Driver != DriverSQLite3 {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverSQLite3)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	configPath := writeConfig(t, "manager.yaml", `
agents:
  io_timeout: "1s"
database:
  path: "/tmp/fleet.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agents.IOTimeout != time.Second {
		t.Errorf("Agents.IOTimeout = %v, want 1s", cfg.Agents.IOTimeout)
	}
	if cfg.Agents.HealthInterval != 10*time.Second {
		t.Errorf("Agents.HealthInterval = %v, want default 10s", cfg.Agents.HealthInterval)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("Server.ListenAddr = %q, want default :9999", cfg.Server.ListenAddr)
	}
	if cfg.Discovery.Port != 8888 {
		t.Errorf("Discovery.Port = %d, want default 8888", cfg.Discovery.Port)
	}
	if !cfg.Discovery.AnnounceOnStart {
		t.Error("Discovery.AnnounceOnStart = false, want default true")
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Database.Driver = %q, want default sqlite", cfg.Database.Driver)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "manager.toml", `
[server]
listen_addr = ":9100"

[agents]
health_interval = "1m"

[database]
driver = "postgres"
dsn = "postgres://fleet@localhost/fleet"

[tailscale]
enabled = true
hostname = "fleet-lab"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9100" {
		t.Errorf("Server.ListenAddr = %q, want :9100", cfg.Server.ListenAddr)
	}
	if cfg.Agents.HealthInterval != time.Minute {
		t.Errorf("Agents.HealthInterval = %v, want 1m", cfg.Agents.HealthInterval)
	}
	if cfg.Agents.IOTimeout != 5*time.Second {
		t.Errorf("Agents.IOTimeout = %v, want default 5s", cfg.Agents.IOTimeout)
	}
	if cfg.Database.DSN != "postgres://fleet@localhost/fleet" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if !cfg.Tailscale.Enabled || cfg.Tailscale.Hostname != "fleet-lab" {
		t.Errorf("Tailscale = %+v", cfg.Tailscale)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_FLEET_AUTHKEY", "tskey-abc")
	t.Setenv("TEST_FLEET_PORT", "9300")

	configPath := writeConfig(t, "manager.yaml", `
server:
  listen_addr: ":${TEST_FLEET_PORT}"
tailscale:
  auth_key: "${TEST_FLEET_AUTHKEY}"
  state_dir: "${TEST_FLEET_UNSET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9300" {
		t.Errorf("Server.ListenAddr = %q, want :9300", cfg.Server.ListenAddr)
	}
	if cfg.Tailscale.AuthKey != "tskey-abc" {
		t.Errorf("Tailscale.AuthKey = %q, want tskey-abc", cfg.Tailscale.AuthKey)
	}
	if cfg.Tailscale.StateDir != "" {
		t.Errorf("Tailscale.StateDir = %q, want empty for unset var", cfg.Tailscale.StateDir)
	}
}

func TestLoad_DBPathOverride(t *testing.T) {
	t.Setenv("FLEET_DB_PATH", "/srv/fleet/override.db")
	configPath := writeConfig(t, "manager.yaml", "database:\n  path: \"/tmp/file.db\"\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/srv/fleet/override.db" {
		t.Errorf("Database.Path = %q, want override", cfg.Database.Path)
	}
}

func TestLoad_HomeExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	configPath := writeConfig(t, "manager.yaml", "database:\n  path: \"~/fleet/manager.db\"\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := filepath.Join(home, "fleet", "manager.db")
	if cfg.Database.Path != want {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, want)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"invalid yaml", "server: [", "parsing config file"},
		{"bad duration", "agents:\n  io_timeout: \"soon\"\n", "agents.io_timeout"},
		{"zero io timeout", "agents:\n  io_timeout: \"0s\"\n", "agents.io_timeout must be positive"},
		{"empty handshake timeout", "agents:\n  handshake_timeout: \"\"\n", "agents.handshake_timeout must be positive"},
		{"negative health interval", "agents:\n  health_interval: \"-1s\"\n", "agents.health_interval must be positive"},
		{"zero message size", "agents:\n  max_message_size: 0\n", "agents.max_message_size"},
		{"missing port", "server:\n  listen_addr: \"localhost\"\n", "server.listen_addr"},
		{"empty listen addr", "server:\n  listen_addr: \"\"\n", "server.listen_addr is required"},
		{"discovery port", "discovery:\n  port: 70000\n", "discovery.port"},
		{"broadcast addr", "discovery:\n  broadcast_addr: \"everyone\"\n", "discovery.broadcast_addr"},
		{"unknown driver", "database:\n  driver: \"mysql\"\n", "database.driver"},
		{"postgres without dsn", "database:\n  driver: \"postgres\"\n", "database.dsn is required"},
		{"tailscale without hostname", "tailscale:\n  enabled: true\n  hostname: \"\"\n", "tailscale.hostname"},
		{"log level", "logging:\n  level: \"loud\"\n", "logging.level"},
		{"log format", "logging:\n  format: \"xml\"\n", "logging.format"},
		{"metrics path", "metrics:\n  path: \"metrics\"\n", "metrics.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "manager.yaml", tt.content)
			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading config file error", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("FLEET_DB_PATH", "")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Agents.IOTimeout != 5*time.Second {
		t.Errorf("Agents.IOTimeout = %v, want 5s", cfg.Agents.IOTimeout)
	}
	if strings.HasPrefix(cfg.Database.Path, "~") {
		t.Errorf("Database.Path = %q, want home expanded", cfg.Database.Path)
	}

	configPath := writeConfig(t, "manager.yaml", "server:\n  listen_addr: \":9001\"\n")
	cfg, err = LoadOrDefault(configPath)
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9001" {
		t.Errorf("Server.ListenAddr = %q, want :9001", cfg.Server.ListenAddr)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("Server.ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Discovery.Port != 8888 || cfg.Discovery.Timeout != 2*time.Second {
		t.Errorf("Discovery = %+v", cfg.Discovery)
	}
	if cfg.Agents.HealthInterval != 10*time.Second {
		t.Errorf("Agents.HealthInterval = %v", cfg.Agents.HealthInterval)
	}
	if cfg.Agents.MaxMessageSize != 1<<20 {
		t.Errorf("Agents.MaxMessageSize = %d", cfg.Agents.MaxMessageSize)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_FLEET_A", "one")
	got := expandEnvVars("a=${TEST_FLEET_A} b=${TEST_FLEET_MISSING} c=$TEST_FLEET_A")
	want := "a=one b= c=$TEST_FLEET_A"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}
