// Package config handles configuration loading for coven-runtime.
//
// # Configuration File
//
// The file is chosen by the --config flag, then COVEN_RUNTIME_CONFIG, then
// ./coven-runtime.yaml. A ".toml" extension selects TOML; anything else is
// parsed as YAML. COVEN_DB_PATH overrides database.path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax ("250ms", "30s", "10m").
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  grpc_addr: "127.0.0.1:50051"   # gRPC health service, optional
//
//	database:
//	  path: "/var/lib/coven/runtime.db"
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	  tokens:
//	    - subject: "ci"
//	      hash: "$2a$10$..."          # coven-runtime hash-token
//	      scopes: ["tasks:read", "tasks:write"]
//
//	agents:
//	  - name: "research"
//	    command: "/usr/local/bin/research-agent"
//	    args: ["--port", "{port}"]
//	    env: { MODEL: "large" }
//	    enabled: true
//
//	orchestrator:
//	  port_min: 9100
//	  port_max: 9199
//	  startup_timeout: "30s"
//	  restart_ceiling: 5
//	  restart_window: "10m"
//
//	reconciler:
//	  schedule: "@every 30s"
//
//	protocol:
//	  rate_limit: 10   # per identity, requests/second
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json
//
// Every field not shown has a default; see applyDefaults.
package config
