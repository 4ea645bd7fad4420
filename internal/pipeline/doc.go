// Package pipeline sequences one batch run.
//
// A run stages the inputs, checks disk space, then runs the external engine,
// the progress monitor and the post-processing queue side by side. The engine
// is awaited directly; once it exits the run is marked idle and the monitor
// and queue are drained. The outcome is returned as a RunResult and recorded
// in the history store.
package pipeline
