// Package main hosts the batchscale CLI entrypoint and command graph.
//
// The Cobra command tree resolves configuration once, then hands off to the
// pipeline coordinator for runs, the preflight package for readiness checks,
// and the history store for past runs. Heavy lifting lives in internal
// packages; commands here only parse flags and render output.
package main
