// Package config loads the service configuration.
//
// Values come from, in order of precedence:
//
//	1. Environment variables prefixed with REDEEM_ (for example REDEEM_SERVER_PORT)
//	2. A YAML file (REDEEM_CONFIG_FILE, ./config.yaml or ./configs/config.yaml)
//	3. Struct tag defaults
//
// Durations use Go syntax ("500ms", "3m"). Load validates the merged result and
// rejects retry or timeout settings the activation engine cannot run with.
package config
