// Package runstate holds the shared busy and cancellation state of one batch
// run. Every component of a run receives the same *RunContext instead of
// consulting process-wide flags.
package runstate

import (
	"context"
	"sync/atomic"
	"time"
)

// Run is the immutable identity of a run once staging has fixed its target.
type Run struct {
	ID        string
	Target    int
	StartedAt time.Time
}

// RunContext carries cancellation and the busy flag for one run.
type RunContext struct {
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	busy     atomic.Bool
	canceled atomic.Bool
}

// New derives a RunContext from parent. Canceling parent cancels the run.
func New(parent context.Context) *RunContext {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &RunContext{parent: parent, ctx: ctx, cancel: cancel}
}

// Context returns the run-scoped context, canceled by Cancel.
func (r *RunContext) Context() context.Context {
	return r.ctx
}

// Cancel requests cooperative cancellation. Components observe it at loop
// boundaries; in-flight file operations finish.
func (r *RunContext) Cancel() {
	r.canceled.Store(true)
	r.cancel()
}

// Release frees the context without marking the run canceled. Call it once
// the run is over.
func (r *RunContext) Release() {
	r.cancel()
}

// IsCanceled reports whether the user or a parent context canceled the run.
func (r *RunContext) IsCanceled() bool {
	return r.canceled.Load() || r.parent.Err() != nil
}

// MarkBusy sets whether the external job is still running.
func (r *RunContext) MarkBusy(busy bool) {
	r.busy.Store(busy)
}

// IsBusy reports whether the external job is still running.
func (r *RunContext) IsBusy() bool {
	return r.busy.Load()
}
