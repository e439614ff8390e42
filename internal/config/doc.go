// Package config loads and validates the server's YAML configuration,
// expanding ${VAR} references from the environment.
package config
