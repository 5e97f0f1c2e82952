// Package config handles configuration loading for daq-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment
// variable expansion. Files ending in .toml are decoded as TOML; anything
// else is YAML. Unset fields get defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from DAQ_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/daq-gateway/gateway.yaml (or ~/.config/...)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  device_addr: "0.0.0.0:7070"   # device TCP sessions
//	  http_addr: "0.0.0.0:8080"     # status API and websocket subscribers
//	  grpc_addr: ""                 # grpc.health.v1, disabled when empty
//
//	devices:
//	  read_timeout: "0s"            # idle limit per session, 0 disables
//	  max_frame_bytes: 1048576
//	  duplicate_policy: "reject"    # reject or evict
//	  evict_timeout: "5s"
//	  shutdown_timeout: "10s"
//
//	relay:
//	  prefix: "/daq"                # channel = <prefix>/<device>
//	  allowed_origins: []
//	  subscriber_buffer: 64
//
//	database:
//	  path: ""                      # empty keeps the directory in memory
//
//	tailscale:
//	  enabled: false
//	  hostname: "daq-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  state_dir: ""
//	  ephemeral: false
//
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text, json
//	  file: ""                      # optional copy of every record
//
// Duration values use Go's time.ParseDuration syntax.
package config
