// Package config loads the pohd node configuration from JSON or YAML files,
// fills in defaults and applies a small set of environment overrides for
// secrets.
package config
