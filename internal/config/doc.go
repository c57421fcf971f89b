// Package config handles configuration loading for coven-drop.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; every field has a
// default, so callers that start from Default() need no config file at all.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	root: "${COVEN_DROP_ROOT}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	timing:
//	  heartbeat_interval: "5s"
//	  stale_after: "30s"
//	  poll_interval: "500ms"
//	  message_ttl: "1h"
//	  reservation_ttl: "10m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Coordination root:
//
//	root: "/var/lib/coven-drop"
//	scope_to_cwd: false
//	notify: "auto"   # auto, poll
//
// Inbox behavior:
//
//	inbox:
//	  keep_processed: true
//
// Feed retention:
//
//	feed:
//	  max_entries: 1000
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
//   - Root path presence (resolved to an absolute path)
//   - Positive intervals and retention bounds
//   - stale_after >= heartbeat_interval
//   - Duration format validity
package config
