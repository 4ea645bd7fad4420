// Package poll provides the clock and fixed-interval loop shared by the
// progress monitor, the post-processing scanner, and retry backoff.
package poll

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so loops can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System is the wall clock.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep waits for d on clock or until ctx is done. It reports false when the
// context ended first.
func Sleep(ctx context.Context, clock Clock, d time.Duration) bool {
	if clock == nil {
		clock = System
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}

// Every calls step, then waits interval, until step returns false or ctx is
// done. step always runs at least once.
func Every(ctx context.Context, clock Clock, interval time.Duration, step func() bool) {
	for {
		if !step() {
			return
		}
		if !Sleep(ctx, clock, interval) {
			return
		}
	}
}

// Manual is a Clock that only moves when told to. After returns channels that
// fire immediately and advance the clock by the requested duration, so loops
// under test run without real waiting while Now stays consistent.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current fake time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After advances the clock by d and returns an already-fired channel.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.waits = append(m.waits, d)
	now := m.now
	m.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward without recording a wait.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Waits returns every duration passed to After, in order.
func (m *Manual) Waits() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.waits))
	copy(out, m.waits)
	return out
}
