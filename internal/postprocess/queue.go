package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"batchscale/internal/fileutil"
	"batchscale/internal/logging"
	"batchscale/internal/poll"
	"batchscale/internal/retry"
	"batchscale/internal/runstate"
	"batchscale/internal/services"
)

const stageName = "postprocess"

// TaskState is the lifecycle position of one output file.
type TaskState int

const (
	Discovered TaskState = iota
	Locked
	Converting
	Done
	FailedPermanently
)

func (s TaskState) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Locked:
		return "locked"
	case Converting:
		return "converting"
	case Done:
		return "done"
	case FailedPermanently:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Task tracks one engine output file. Attempts counts renames and
// ConvertAttempts counts conversions.
type Task struct {
	Path            string
	Attempts        int
	ConvertAttempts int
	State           TaskState
	Output          string
}

// Failure is a per-file finalization problem.
type Failure struct {
	Path    string
	Kind    string
	Message string
}

// Target says where a staged file belongs once finalized.
type Target struct {
	RelDir string
	// Name is the user's original file name; empty keeps the staged name.
	Name string
}

// Converter writes src in the output format into destDir and returns the
// written path.
type Converter interface {
	Convert(ctx context.Context, src, destDir string, resize bool) (string, error)
}

// Options configures a Queue.
type Options struct {
	// WatchDir is the engine's output directory.
	WatchDir string
	// OutputDir is the root that finalized files are placed under.
	OutputDir  string
	TempSuffix string
	// Targets maps staged file names to their placement.
	Targets      map[string]Target
	MaxAttempts  int
	Backoff      time.Duration
	ScanInterval time.Duration
	Workers      int
	Resize       bool
	Clock        poll.Clock
	Converter    Converter
	Logger       *slog.Logger
}

// observation is what a scan saw of a file that is not claimed yet.
type observation struct {
	size    int64
	modTime time.Time
}

// Queue is the post-processing producer/consumer.
type Queue struct {
	opts   Options
	logger *slog.Logger
	rename func(oldPath, newPath string) error

	mu       sync.Mutex
	tasks    map[string]*Task
	finished []Task
	seen     map[string]struct{}
	observed map[string]observation
	failures []Failure

	processed atomic.Int64
	sem       chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Queue with defaults applied.
func New(opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 20
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 250 * time.Millisecond
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Clock == nil {
		opts.Clock = poll.System
	}
	opts.TempSuffix = strings.ToLower(opts.TempSuffix)
	return &Queue{
		opts:     opts,
		logger:   logging.NewComponentLogger(opts.Logger, stageName),
		rename:   os.Rename,
		tasks:    make(map[string]*Task),
		seen:     make(map[string]struct{}),
		observed: make(map[string]observation),
		sem:      make(chan struct{}, opts.Workers),
	}
}

// Processed returns the number of finalized files.
func (q *Queue) Processed() int {
	return int(q.processed.Load())
}

// Failures returns a copy of the per-file failures recorded so far.
func (q *Queue) Failures() []Failure {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Failure, len(q.failures))
	copy(out, q.failures)
	return out
}

// Task returns a snapshot of the task for path, active or finished.
func (q *Queue) Task(path string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.tasks[path]; ok {
		return *task, true
	}
	for _, task := range q.finished {
		if task.Path == path {
			return task, true
		}
	}
	return Task{}, false
}

// Active returns snapshots of the tasks still in flight, sorted by path.
func (q *Queue) Active() []Task {
	q.mu.Lock()
	out := make([]Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		out = append(out, *task)
	}
	q.mu.Unlock()
	sortTasks(out)
	return out
}

// Finished returns snapshots of every task that reached Done or
// FailedPermanently, sorted by path.
func (q *Queue) Finished() []Task {
	q.mu.Lock()
	out := make([]Task, len(q.finished))
	copy(out, q.finished)
	q.mu.Unlock()
	sortTasks(out)
	return out
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Path < tasks[j].Path })
}

// Run scans while the run is busy, then performs a last scan and waits for
// every in-flight task.
func (q *Queue) Run(ctx context.Context, rc *runstate.RunContext) {
	poll.Every(ctx, q.opts.Clock, q.opts.ScanInterval, func() bool {
		if rc != nil && (!rc.IsBusy() || rc.IsCanceled()) {
			return false
		}
		q.Scan(ctx)
		return true
	})
	if rc == nil || !rc.IsCanceled() {
		q.Flush(ctx)
	}
	q.Wait()
	q.logger.Info("post-processing drained",
		logging.Int("processed", q.Processed()),
		logging.Int("failed", len(q.Failures())),
		logging.String(logging.FieldEventType, "postprocess_drained"),
	)
}

// Wait blocks until every claimed task has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Scan claims every untracked, non-empty file carrying the temporary suffix
// whose size and modification time match the previous scan, and starts
// finalizing it. A file seen for the first time or still growing is only
// recorded. It returns the number of newly claimed files.
func (q *Queue) Scan(ctx context.Context) int {
	return q.scan(ctx, false)
}

// Flush claims every untracked candidate without waiting for it to settle.
// Use it once the engine has exited and nothing is still being written.
func (q *Queue) Flush(ctx context.Context) int {
	return q.scan(ctx, true)
}

func (q *Queue) scan(ctx context.Context, settled bool) int {
	entries, err := os.ReadDir(q.opts.WatchDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			q.logger.Debug("output scan failed", logging.Path(q.opts.WatchDir), logging.Error(err))
		}
		return 0
	}
	present := make(map[string]struct{}, len(entries))
	claimed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(strings.ToLower(name), q.opts.TempSuffix) || len(name) == len(q.opts.TempSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		path := filepath.Join(q.opts.WatchDir, name)
		present[path] = struct{}{}
		if !settled && !q.stable(path, observation{size: info.Size(), modTime: info.ModTime()}) {
			continue
		}
		task, ok := q.claim(path)
		if !ok {
			continue
		}
		claimed++
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.sem <- struct{}{}
			defer func() { <-q.sem }()
			q.finalize(ctx, task)
		}()
	}
	q.forgetMissing(present)
	return claimed
}

// stable records obs for path and reports whether it matches the previous
// observation.
func (q *Queue) stable(path string, obs observation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.seen[path]; ok {
		return true
	}
	prev, ok := q.observed[path]
	q.observed[path] = obs
	return ok && prev.size == obs.size && prev.modTime.Equal(obs.modTime)
}

func (q *Queue) forgetMissing(present map[string]struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for path := range q.observed {
		if _, ok := present[path]; !ok {
			delete(q.observed, path)
		}
	}
}

// claim registers path and the name it will be renamed to, so neither is
// picked up again.
func (q *Queue) claim(path string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.seen[path]; ok {
		return nil, false
	}
	task := &Task{Path: path, State: Discovered}
	q.tasks[path] = task
	delete(q.observed, path)
	q.seen[path] = struct{}{}
	q.seen[q.stripped(path)] = struct{}{}
	return task, true
}

func (q *Queue) stripped(path string) string {
	return path[:len(path)-len(q.opts.TempSuffix)]
}

func (q *Queue) setState(task *Task, state TaskState) {
	q.mu.Lock()
	task.State = state
	q.mu.Unlock()
}

func (q *Queue) fail(task *Task, kind string, err error) {
	q.mu.Lock()
	task.State = FailedPermanently
	q.failures = append(q.failures, Failure{Path: task.Path, Kind: kind, Message: err.Error()})
	q.retire(task)
	q.mu.Unlock()
}

func (q *Queue) succeed(task *Task, out string) {
	q.mu.Lock()
	task.State = Done
	task.Output = out
	// A result written back under the watched directory is never an engine
	// output.
	q.seen[out] = struct{}{}
	q.retire(task)
	q.mu.Unlock()
	q.processed.Add(1)
}

// retire moves a finished task out of active tracking. Callers hold q.mu.
func (q *Queue) retire(task *Task) {
	delete(q.tasks, task.Path)
	q.finished = append(q.finished, *task)
}

func (q *Queue) finalize(ctx context.Context, task *Task) {
	renamed := q.stripped(task.Path)

	attempts, err := retry.Do(ctx, retry.Policy{
		MaxAttempts: q.opts.MaxAttempts,
		Backoff:     q.opts.Backoff,
		Clock:       q.opts.Clock,
		OnRetry: func(attempt int, err error) {
			q.setState(task, Locked)
			q.logger.Debug("output still locked; retrying",
				logging.Path(task.Path),
				logging.Int("attempt", attempt),
				logging.Int("attempts_left", q.opts.MaxAttempts-attempt),
				logging.Error(err),
			)
		},
	}, func(attempt int) error {
		q.mu.Lock()
		task.Attempts = attempt
		q.mu.Unlock()
		if err := q.rename(task.Path, renamed); err != nil {
			return services.Wrap(services.ErrTransient, stageName, "rename", filepath.Base(task.Path), err)
		}
		return nil
	})
	if err != nil {
		q.fail(task, services.KindRename, err)
		if !errors.Is(err, retry.ErrExhausted) {
			q.logger.Debug("finalize interrupted", logging.Path(task.Path), logging.Error(err))
			return
		}
		logging.WarnWithContext(q.logger, "Failed to rename output and ran out of retries", "rename_exhausted",
			logging.Path(task.Path),
			logging.Int("attempts", attempts),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the engine may still hold the file; rerun post-processing on the output directory"),
		)
		return
	}

	q.setState(task, Converting)
	stagedName := filepath.Base(renamed)
	target := q.opts.Targets[stagedName]
	destDir := filepath.Join(q.opts.OutputDir, target.RelDir)

	var out string
	if q.opts.Converter != nil {
		out, err = q.convert(ctx, task, renamed, destDir)
		if err != nil {
			q.fail(task, services.KindConversion, err)
			logging.WarnWithContext(q.logger, "Failed to convert output", "conversion_failed",
				logging.Path(renamed),
				logging.Error(err),
			)
			return
		}
	} else {
		out = filepath.Join(destDir, stagedName)
		if err = fileutil.MoveFile(renamed, out); err != nil {
			q.fail(task, services.KindPlacement, err)
			logging.WarnWithContext(q.logger, "Failed to place output", "placement_failed", logging.Path(renamed), logging.Error(err))
			return
		}
	}

	if out, err = restoreName(out, stagedName, target.Name); err != nil {
		q.fail(task, services.KindPlacement, err)
		logging.WarnWithContext(q.logger, "Failed to restore original name", "placement_failed", logging.Path(out), logging.Error(err))
		return
	}

	q.succeed(task, out)
	q.logger.Debug("output finalized", logging.Path(out), logging.Int("attempts", attempts))
}

// convert retries decode failures with the rename policy, since a file can
// be renamed while the engine still has it open for writing.
func (q *Queue) convert(ctx context.Context, task *Task, src, destDir string) (string, error) {
	var out string
	_, err := retry.Do(ctx, retry.Policy{
		MaxAttempts: q.opts.MaxAttempts,
		Backoff:     q.opts.Backoff,
		Clock:       q.opts.Clock,
		Retryable: func(err error) bool {
			return errors.Is(err, services.ErrUnreadable)
		},
		OnRetry: func(attempt int, err error) {
			q.logger.Debug("output not readable yet; retrying",
				logging.Path(src),
				logging.Int("attempt", attempt),
				logging.Error(err),
			)
		},
	}, func(attempt int) error {
		q.mu.Lock()
		task.ConvertAttempts = attempt
		q.mu.Unlock()
		var err error
		out, err = q.opts.Converter.Convert(ctx, src, destDir, q.opts.Resize)
		return err
	})
	return out, err
}

// restoreName swaps the staged stem in out for the original stem, keeping
// whatever extension the converter produced.
func restoreName(out, stagedName, originalName string) (string, error) {
	if originalName == "" || originalName == stagedName {
		return out, nil
	}
	stagedStem := strings.TrimSuffix(stagedName, filepath.Ext(stagedName))
	originalStem := strings.TrimSuffix(originalName, filepath.Ext(originalName))
	base := filepath.Base(out)
	if !strings.HasPrefix(base, stagedStem) {
		return out, nil
	}
	final := filepath.Join(filepath.Dir(out), originalStem+strings.TrimPrefix(base, stagedStem))
	if err := fileutil.MoveFile(out, final); err != nil {
		return out, err
	}
	return final, nil
}
