// Package history persists one row per batch run, plus its per-file
// failures, in a SQLite database.
//
// The store is written by the pipeline coordinator when a run starts and when
// it finishes, and read by the `history` command and the status API.
package history
