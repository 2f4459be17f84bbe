// Package config loads and validates the bridge configuration.
//
// Configuration is resolved in three layers: environment variables
// (BRIDGE_ prefix) take precedence, then an optional YAML file, then
// struct-tag defaults. The remote control-plane URL can additionally be
// overridden by a local override file so development installs can point
// at a staging control plane without touching the main configuration.
package config
