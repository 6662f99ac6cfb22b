// Package logging assembles structured slog loggers and formatting helpers used
// across Tessera.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so track code can tag log lines
// with track IDs, service tags, stages, and correlation IDs. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
//
// Content keys are never logged above debug level.
package logging
