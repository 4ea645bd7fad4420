// Package services defines shared utilities consumed by the pipeline
// components and the external collaborators they drive.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, stage names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that separate fatal
//     run errors (resources, configuration, engine failure) from per-file
//     errors that are only recorded in the run result.
//
// Use these helpers when wiring new pipeline logic so error classification
// and observability stay uniform.
package services
