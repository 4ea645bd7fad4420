// Package monitor estimates run progress by watching the output directory.
//
// The external engine offers no completion signal, so the monitor compares a
// processed-file count against the run's fixed target on a fixed interval.
// It is purely observational and never touches files.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"batchscale/internal/fileutil"
	"batchscale/internal/logging"
	"batchscale/internal/poll"
	"batchscale/internal/progress"
	"batchscale/internal/runstate"
)

// Counter reports how many outputs are finished.
type Counter interface {
	Processed() int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func() int

// Processed calls f.
func (f CounterFunc) Processed() int { return f() }

// DirCounter counts finished files directly in Dir, i.e. files that no longer
// carry the temporary suffix. It serves runs without post-processing.
type DirCounter struct {
	Dir        string
	TempSuffix string
}

// Processed implements Counter. Read errors count as zero.
func (d DirCounter) Processed() int {
	suffix := strings.ToLower(d.TempSuffix)
	count, err := fileutil.CountFiles(d.Dir, func(name string) bool {
		return suffix == "" || !strings.HasSuffix(strings.ToLower(name), suffix)
	})
	if err != nil {
		return 0
	}
	return count
}

// Options configures a Monitor.
type Options struct {
	OutputDir string
	Target    int
	Interval  time.Duration
	Clock     poll.Clock
	Counter   Counter
	Sink      progress.Sink
	// OnState receives the full snapshot alongside every sink update.
	OnState func(progress.State)
	RunID   string
	Logger  *slog.Logger
}

// Monitor polls a Counter and reports percentage complete.
type Monitor struct {
	opts   Options
	logger *slog.Logger
}

// New constructs a Monitor.
func New(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = poll.System
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Sink == nil {
		opts.Sink = progress.Discard
	}
	if opts.Counter == nil {
		opts.Counter = CounterFunc(func() int { return 0 })
	}
	return &Monitor{opts: opts, logger: logging.NewComponentLogger(opts.Logger, "monitor")}
}

// Tick performs one observation. It returns the computed state, whether an
// update was emitted, and whether polling should continue.
func (m *Monitor) Tick() (state progress.State, emitted bool, more bool) {
	if m.opts.Target <= 0 {
		return progress.State{}, false, false
	}
	if _, err := os.Stat(m.opts.OutputDir); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("output dir stat failed", logging.Path(m.opts.OutputDir), logging.Error(err))
		}
		return progress.State{}, false, true
	}

	processed := m.opts.Counter.Processed()
	if processed > m.opts.Target {
		processed = m.opts.Target
	}
	if processed < 0 {
		processed = 0
	}
	percent := math.Round(100 * float64(processed) / float64(m.opts.Target))
	state = progress.State{
		RunID:     m.opts.RunID,
		Phase:     "upscaling",
		Processed: processed,
		Target:    m.opts.Target,
		Percent:   percent,
		Message:   fmt.Sprintf("Upscaled %d/%d images", processed, m.opts.Target),
		Busy:      true,
		UpdatedAt: m.opts.Clock.Now(),
	}

	if processed >= m.opts.Target {
		m.emit(state)
		return state, true, false
	}
	if processed > 0 {
		m.emit(state)
		return state, true, true
	}
	return state, false, true
}

// Run polls until the run is no longer busy, it is canceled, or progress
// reaches 100%. It always finishes with a reset-to-idle update.
func (m *Monitor) Run(ctx context.Context, rc *runstate.RunContext) {
	defer func() {
		m.opts.Sink.Report(0, "")
		if m.opts.OnState != nil {
			m.opts.OnState(progress.Idle())
		}
	}()

	ticks := 0
	poll.Every(ctx, m.opts.Clock, m.opts.Interval, func() bool {
		if rc != nil && (!rc.IsBusy() || rc.IsCanceled()) {
			return false
		}
		ticks++
		_, _, more := m.Tick()
		return more
	})
	m.logger.Debug("progress monitor stopped", logging.Int("ticks", ticks))
}

func (m *Monitor) emit(state progress.State) {
	m.opts.Sink.Report(state.Percent, state.Message)
	if m.opts.OnState != nil {
		m.opts.OnState(state)
	}
}
