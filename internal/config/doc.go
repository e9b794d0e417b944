// Package config handles configuration loading for civic-desk.
//
// # Overview
//
// Configuration is read from a YAML file, or a TOML file when the name ends
// in .toml. Environment variables are expanded before decoding, durations are
// parsed from strings, defaults are filled in, and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from CIVIC_DESK_CONFIG environment variable
//  3. ~/.config/civic-desk/config.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${CIVIC_DESK_JWT_SECRET}"
//
// Unset variables expand to an empty string.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "10s"
//	  allowed_origins: ["https://desk.example.gov"]
//
//	database:
//	  path: "./civic-desk.db"
//
//	auth:
//	  jwt_secret: "${CIVIC_DESK_JWT_SECRET}"   # at least 32 characters
//	  session_token_cost: 10
//	  token_ttl: "12h"
//
//	dispatch:
//	  sweep_schedule: "@every 30s"               # cron expression or descriptor
//	  sweep_timeout: "10s"
//	  default_handling_time: "5m"
//	  handling_window: 50
//
//	redis:                                       # optional multi-node event relay
//	  enabled: false
//	  addr: "localhost:6379"
//
//	bot:
//	  enabled: true
//	  script_path: "./bot.yaml"
//
//	rate_limit:
//	  messages_per_second: 2
//	  burst: 10
//
//	departments:
//	  - id: tax
//	    name: Tax Office
//	    services:
//	      - id: iptu
//	        name: Property tax
//
//	agents:
//	  - id: rita
//	    name: Rita
//	    department_id: tax
//	    max_concurrent_chats: 3
//
//	logging:
//	  level: info    # debug, info, warn, error
//	  format: text   # text, json
//
// The tailscale section (enabled, hostname, auth_key, state_dir, ephemeral,
// https) serves the API on a tailnet instead of http_addr.
package config
