// Package config loads agenthub-control configuration from YAML with
// ${VAR} environment expansion, duration parsing, and defaults.
package config
