// Package config handles configuration loading for voicewarden.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion and duration parsing.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from VOICEWARDEN_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/voicewarden/config.yaml
//  3. ~/.config/voicewarden/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	discord:
//	  token: "${DISCORD_TOKEN}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	coordinator:
//	  lock_wait_timeout: "5s"
//	  debounce_window: "3s"
//	  sweep_interval: "5m"
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  path: "/var/lib/voicewarden/voicewarden.db"
//
// Platform connection:
//
//	discord:
//	  token: "${DISCORD_TOKEN}"
//
// Coordinator tuning:
//
//	coordinator:
//	  lock_wait_timeout: "5s"
//	  debounce_window: "3s"
//	  sweep_interval: "5m"
//	  audit_list_max: 50
//	  name_max_len: 100
//	  limit_max: 99
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
