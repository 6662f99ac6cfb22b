// Package config loads, normalizes, and validates Tessera's TOML configuration.
//
// Load applies defaults, decodes the file, layers environment overrides,
// expands paths, and validates the result. ForService returns a per-service
// copy with [services.NAME] overrides merged in, leaving the shared config
// untouched so concurrent tracks for other services see stable values.
package config
