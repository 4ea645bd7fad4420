// Package postprocess finalizes engine outputs while the engine is still
// running.
//
// The Queue scans the engine's output directory for files that still carry
// the temporary suffix, claims each path exactly once, and finalizes it in
// its own goroutine: strip the suffix (retrying while the engine holds the
// file), convert to the output format, and place the result under the run's
// output directory. Every finalized file bumps an atomic counter that the
// progress monitor reads.
package postprocess
