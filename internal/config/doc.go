// Package config handles configuration loading for the loom client.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults; a
// zero-value file is valid as long as the server URL is set.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  token: "${LOOM_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  connect_timeout: "10s"
//	  response_timeout: "30s"
//	  reconnect_base_delay: "500ms"
//	  reconnect_max_delay: "15s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  base_url: "https://loom.example.com"      # REST API
//	  stream_url: "wss://loom.example.com/ws"   # streaming; derived from base_url when empty
//	  token: "${LOOM_TOKEN}"
//
// Session tuning:
//
//	session:
//	  connect_timeout: "10s"
//	  response_timeout: "30s"
//	  max_reconnect_attempts: 5
//	  reconnect_base_delay: "500ms"
//	  reconnect_max_delay: "15s"
//
// Uploads:
//
//	uploads:
//	  max_file_size: 52428800   # bytes
//	  cancel_on_switch: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/loom/client.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
