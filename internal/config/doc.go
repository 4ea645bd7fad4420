// Package config loads, normalizes, and validates batchscale configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// BATCHSCALE_ENGINE_BINARY. The Config type centralizes every knob the run
// pipeline and CLI need: the working directory, the external engine
// invocation, output conversion, and the polling and retry timings.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
