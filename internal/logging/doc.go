// Package logging assembles structured slog loggers and formatting helpers used
// across batchscale.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, tees per-run JSON log files next to the main log, and exposes
// context-aware helpers so pipeline code tags log lines with run IDs and
// stage names automatically. A no-op logger is provided for tests and wiring
// code that cannot fail.
package logging
