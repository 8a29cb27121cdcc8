// Package config handles configuration loading for fleet-manager.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from FLEET_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/fleet/manager.yaml
//  4. ~/.config/fleet/manager.yaml
//
// Files ending in .toml are read as TOML; everything else is YAML. Keys
// left out of the file keep the values from Default.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// FLEET_DB_PATH, when set, replaces database.path.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  health_interval: "10s"
//	  io_timeout: "5s"
//	  handshake_timeout: "5s"
//
// Every agent exchange runs under io_timeout, so a zero or negative value
// is rejected.
//
// # Configuration Sections
//
//	server:
//	  listen_addr: ":9999"          # agent control connections
//	  http_addr: "127.0.0.1:8080"   # status API
//	discovery:
//	  port: 8888
//	  broadcast_addr: "255.255.255.255"
//	  announce_on_start: true
//	  timeout: "2s"
//	database:
//	  driver: "sqlite"              # sqlite, sqlite3, postgres
//	  path: "~/.local/share/fleet/manager.db"
//	  dsn: ""
//	tailscale:
//	  enabled: false
//	  hostname: "fleet-manager"
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
