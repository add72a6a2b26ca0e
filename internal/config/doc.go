// Package config handles configuration loading for fold-bridge.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FOLD_BRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fold-bridge/config.yaml
//  3. ~/.config/fold-bridge/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	invoke:
//	  default_timeout: "30s"
//	  overload_grace: "100ms"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Backends:
//
//	backends:
//	  - id: "ledger"
//	    url: "http://localhost:3000/mcp"
//	    concurrency_limit: 8
//	    timeout: "10s"
//
// Discovery and reconnect timing:
//
//	discovery:
//	  interval: "30s"
//	  probe_interval: "2s"
//	reconnect:
//	  min_interval: "500ms"
//	  max_interval: "30s"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "fold-bridge"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - A server address (or Tailscale) is configured
//   - Backend IDs are unique, non-empty, and free of path separators
//   - Duration format validity
//   - Reconnect bounds are ordered
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/fold-bridge/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
