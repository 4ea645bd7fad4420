// Package progress defines the run progress snapshot and the sinks that
// receive progress updates.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Indeterminate is the percent value for "working, amount unknown".
const Indeterminate = -1.0

// State is an immutable progress snapshot.
type State struct {
	RunID     string    `json:"run_id,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Processed int       `json:"processed"`
	Target    int       `json:"target"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message"`
	Busy      bool      `json:"busy"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Idle is the state reported when no run is active.
func Idle() State {
	return State{}
}

// Tracker holds the latest State. Readers never observe a partial update.
type Tracker struct {
	current atomic.Pointer[State]
}

// NewTracker returns a tracker holding the idle state.
func NewTracker() *Tracker {
	t := &Tracker{}
	idle := Idle()
	t.current.Store(&idle)
	return t
}

// Store replaces the snapshot.
func (t *Tracker) Store(s State) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	t.current.Store(&s)
}

// Snapshot returns a copy of the latest state.
func (t *Tracker) Snapshot() State {
	if s := t.current.Load(); s != nil {
		return *s
	}
	return Idle()
}

// Sink receives progress updates. A percent of Indeterminate means unknown.
type Sink interface {
	Report(percent float64, message string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(percent float64, message string)

// Report calls f.
func (f SinkFunc) Report(percent float64, message string) { f(percent, message) }

// Discard drops every update.
var Discard Sink = SinkFunc(func(float64, string) {})

type multiSink struct {
	mu    sync.Mutex
	sinks []Sink
}

// Multi fans updates out to every non-nil sink in order. Updates are
// serialized so sinks never see interleaved calls.
func Multi(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	switch len(filtered) {
	case 0:
		return Discard
	case 1:
		return filtered[0]
	}
	return &multiSink{sinks: filtered}
}

func (m *multiSink) Report(percent float64, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sinks {
		s.Report(percent, message)
	}
}
