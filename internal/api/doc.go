// Package api serves a read-only HTTP view of the running batch and the run
// history.
//
// Routes:
//
//	GET /api/progress     current progress snapshot
//	GET /api/runs         recent runs, newest first (?limit=N, default 20)
//	GET /api/runs/{id}    one run with its per-file failures
//
// DTOs use camelCase JSON tags and RFC3339 timestamps with milliseconds. The
// server is optional; an empty bind address disables it.
package api
