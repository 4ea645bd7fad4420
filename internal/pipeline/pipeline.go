package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"batchscale/internal/codec"
	"batchscale/internal/config"
	"batchscale/internal/engine"
	"batchscale/internal/fileutil"
	"batchscale/internal/history"
	"batchscale/internal/imageformat"
	"batchscale/internal/logging"
	"batchscale/internal/monitor"
	"batchscale/internal/notifications"
	"batchscale/internal/poll"
	"batchscale/internal/postprocess"
	"batchscale/internal/preflight"
	"batchscale/internal/progress"
	"batchscale/internal/runstate"
	"batchscale/internal/services"
	"batchscale/internal/staging"
)

const lockFileName = ".batchscale.lock"

// ErrRunInProgress is returned when another run holds the working directory.
var ErrRunInProgress = errors.New("another run is using the working directory")

// Job is the immutable description of one run.
type Job struct {
	Source    staging.Source
	OutputDir string
	Model     engine.Model
	Format    imageformat.Format
	Alpha     bool
	Preview   bool
	// PostProcess enables the finalization queue.
	PostProcess bool
}

// FileFailure is a per-file problem that did not abort the run.
type FileFailure struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID     string        `json:"run_id"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Canceled  bool          `json:"canceled"`
	Failures  []FileFailure `json:"failures,omitempty"`
	Processed int           `json:"processed"`
	Target    int           `json:"target"`
	// Message is the completion line; empty when the run was canceled or
	// failed.
	Message string `json:"message,omitempty"`
}

// SpaceChecker decides whether a run fits on disk.
type SpaceChecker interface {
	CheckDiskSpace(ctx context.Context, inputDir, outputPath string) preflight.SpaceCheck
}

// ConverterFactory builds the run's converter for format.
type ConverterFactory func(format imageformat.Format) (postprocess.Converter, error)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEngine replaces the engine.
func WithEngine(e engine.Engine) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.engine = e
		}
	}
}

// WithHistory records runs in store.
func WithHistory(store *history.Store) Option {
	return func(c *Coordinator) { c.history = store }
}

// WithNotifier replaces the completion notifier.
func WithNotifier(n notifications.Service) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithSink adds a progress sink.
func WithSink(sink progress.Sink) Option {
	return func(c *Coordinator) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithTracker shares a progress tracker, e.g. with the status API.
func WithTracker(tracker *progress.Tracker) Option {
	return func(c *Coordinator) {
		if tracker != nil {
			c.tracker = tracker
		}
	}
}

// WithSpaceChecker replaces the disk-space checker.
func WithSpaceChecker(checker SpaceChecker) Option {
	return func(c *Coordinator) {
		if checker != nil {
			c.checker = checker
		}
	}
}

// WithConverterFactory replaces how converters are built.
func WithConverterFactory(factory ConverterFactory) Option {
	return func(c *Coordinator) {
		if factory != nil {
			c.newConverter = factory
		}
	}
}

// WithClock replaces the clock used for polling and timing.
func WithClock(clock poll.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Coordinator runs jobs one at a time.
type Coordinator struct {
	cfg          *config.Config
	logger       *slog.Logger
	engine       engine.Engine
	checker      SpaceChecker
	newConverter ConverterFactory
	history      *history.Store
	notifier     notifications.Service
	tracker      *progress.Tracker
	sink         progress.Sink
	clock        poll.Clock

	active atomic.Pointer[runstate.RunContext]
}

// New builds a Coordinator with the configured engine, converter and checker.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "init", "configuration required", nil)
	}
	logger = logging.NewComponentLogger(logger, "pipeline")
	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		checker:  preflight.NewChecker(cfg.Preflight.SpaceMultiplier, logger),
		tracker:  progress.NewTracker(),
		sink:     progress.Discard,
		clock:    poll.System,
		notifier: notifications.NewService(cfg),
	}
	c.newConverter = func(format imageformat.Format) (postprocess.Converter, error) {
		copts, err := codec.OptionsFromConfig(cfg, logger)
		if err != nil {
			return nil, err
		}
		copts.Format = format
		return codec.New(copts)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.engine == nil {
		cli, err := engine.FromConfig(cfg, logger)
		if err != nil {
			return nil, err
		}
		c.engine = cli
	}
	return c, nil
}

// Tracker exposes the live progress snapshot.
func (c *Coordinator) Tracker() *progress.Tracker {
	return c.tracker
}

// Cancel requests cancellation of the active run, if any.
func (c *Coordinator) Cancel() {
	if rc := c.active.Load(); rc != nil {
		rc.Cancel()
	}
}

// Busy reports whether the engine of the active run is still running.
func (c *Coordinator) Busy() bool {
	rc := c.active.Load()
	return rc != nil && rc.IsBusy()
}

// Run executes job. Per-file failures are reported in the result; the error
// is non-nil only when the run aborted.
func (c *Coordinator) Run(ctx context.Context, job Job) (result RunResult, err error) {
	if err := c.cfg.EnsureDirectories(); err != nil {
		return result, services.Wrap(services.ErrConfiguration, "pipeline", "prepare directories", "", err)
	}
	if job.OutputDir == "" {
		job.OutputDir = c.cfg.Output.Dir
	}
	if err := c.cfg.CheckOutputDir(job.OutputDir); err != nil {
		return result, services.Wrap(services.ErrConfiguration, "pipeline", "check output dir", "", err)
	}
	if job.Model.Name == "" && job.Model.Path == "" {
		job.Model = engine.ModelFromConfig(c.cfg)
	}

	lock := flock.New(filepath.Join(c.cfg.Paths.WorkDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return result, fmt.Errorf("acquire work dir lock: %w", err)
	}
	if !locked {
		return result, ErrRunInProgress
	}
	defer func() { _ = lock.Unlock() }()

	result.RunID = uuid.NewString()
	ctx = services.WithRunID(ctx, result.RunID)
	runLog, logErr := logging.OpenRunLog(c.logger, c.cfg.Paths.LogDir, result.RunID)
	if logErr != nil {
		logging.WarnWithContext(c.logger, "run log unavailable", "run_log_failed", logging.Error(logErr))
		runLog = &logging.RunLog{Logger: c.logger}
	}
	defer runLog.Close()
	logger := logging.WithContext(ctx, runLog.Logger)

	rc := runstate.New(ctx)
	c.active.Store(rc)
	defer c.active.Store(nil)
	defer rc.Release()
	defer rc.MarkBusy(false)

	start := c.clock.Now()
	c.beginHistory(ctx, logger, job, result.RunID, start)
	defer func() {
		result.Elapsed = c.clock.Now().Sub(start)
		c.tracker.Store(progress.Idle())
		c.finishHistory(context.WithoutCancel(ctx), logger, result, err)
		c.notify(context.WithoutCancel(ctx), logger, result, err)
	}()

	logger.Info("run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.String("source", describeSource(job.Source)),
		logging.String("output_dir", job.OutputDir),
		logging.String("format", job.Format.String()),
		logging.Bool("postprocess", job.PostProcess),
	)

	if err := fileutil.ClearDir(c.cfg.OutputDir()); err != nil {
		return result, services.Wrap(services.ErrStaging, "pipeline", "clear output work dir", c.cfg.OutputDir(), err)
	}

	staged, err := c.stage(services.WithStage(rc.Context(), "staging"), logger, job)
	if err != nil {
		if rc.IsCanceled() {
			result.Canceled = true
			logger.Info("run canceled during staging", logging.String(logging.FieldEventType, "run_canceled"))
			return result, nil
		}
		return result, err
	}
	for _, skipped := range staged.Skipped {
		result.Failures = append(result.Failures, FileFailure{
			Path:    skipped.Path,
			Kind:    services.KindStaging,
			Message: skipped.Err.Error(),
		})
	}
	run := runstate.Run{ID: result.RunID, Target: len(staged.Files), StartedAt: start}
	result.Target = run.Target

	files := staged.Files
	if job.PostProcess {
		if files, err = staging.MarkPending(files, c.cfg.Engine.TempSuffix); err != nil {
			return result, err
		}
	}

	check := c.checker.CheckDiskSpace(services.WithStage(ctx, "preflight"), c.cfg.InputDir(), job.OutputDir)
	if abort := check.AbortError(); abort != nil {
		return result, abort
	}

	var queue *postprocess.Queue
	var counter monitor.Counter = monitor.DirCounter{Dir: c.cfg.OutputDir()}
	if job.PostProcess {
		converter, err := c.newConverter(job.Format)
		if err != nil {
			return result, err
		}
		queue = postprocess.New(postprocess.Options{
			WatchDir:     c.cfg.OutputDir(),
			OutputDir:    job.OutputDir,
			TempSuffix:   c.cfg.Engine.TempSuffix,
			Targets:      targets(files, job.Source.IsDir()),
			MaxAttempts:  c.cfg.PostProcess.MaxAttempts,
			Backoff:      c.cfg.PostProcess.Backoff(),
			ScanInterval: c.cfg.PostProcess.ScanInterval(),
			Workers:      c.cfg.PostProcess.Workers,
			Resize:       true,
			Clock:        c.clock,
			Converter:    converter,
			Logger:       logging.WithContext(services.WithStage(ctx, "postprocess"), runLog.Logger),
		})
		counter = queue
	}

	mon := monitor.New(monitor.Options{
		OutputDir: c.cfg.OutputDir(),
		Target:    run.Target,
		Interval:  c.cfg.Monitor.PollInterval(),
		Clock:     c.clock,
		Counter:   counter,
		Sink:      c.sink,
		OnState:   c.tracker.Store,
		RunID:     run.ID,
		Logger:    logger,
	})

	rc.MarkBusy(true)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(rc.Context(), rc)
	}()
	if queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queue.Run(rc.Context(), rc)
		}()
	}

	engineErr := c.engine.Run(services.WithStage(rc.Context(), "engine"), engine.Request{
		InputDir:  c.cfg.InputDir(),
		OutputDir: c.cfg.OutputDir(),
		Model:     job.Model,
		Alpha:     job.Alpha,
		Preview:   job.Preview,
	})
	rc.MarkBusy(false)
	wg.Wait()

	result.Canceled = rc.IsCanceled()
	if queue != nil {
		result.Processed = queue.Processed()
		for _, f := range queue.Failures() {
			result.Failures = append(result.Failures, FileFailure{Path: f.Path, Kind: f.Kind, Message: f.Message})
		}
	} else if !result.Canceled && engineErr == nil {
		moved, failures := placeRaw(c.cfg.OutputDir(), job.OutputDir)
		result.Processed = moved
		result.Failures = append(result.Failures, failures...)
	}
	if result.Processed > result.Target {
		result.Processed = result.Target
	}

	if result.Canceled {
		logger.Info("run canceled",
			logging.String(logging.FieldEventType, "run_canceled"),
			logging.Int("processed", result.Processed),
			logging.Int("target", result.Target),
		)
		return result, nil
	}
	if engineErr != nil {
		return result, engineErr
	}

	elapsed := c.clock.Now().Sub(start)
	result.Message = fmt.Sprintf("Done - upscaling took %ds", int(elapsed.Round(time.Second).Seconds()))
	logger.Info(result.Message,
		logging.String(logging.FieldEventType, "run_complete"),
		logging.Int("processed", result.Processed),
		logging.Int("target", result.Target),
		logging.Int("failures", len(result.Failures)),
		logging.Duration("elapsed", elapsed),
	)
	return result, nil
}

func (c *Coordinator) stage(ctx context.Context, logger *slog.Logger, job Job) (staging.Result, error) {
	c.tracker.Store(progress.State{Phase: "staging", Busy: true, Percent: progress.Indeterminate, Message: "Staging images"})
	manager := staging.NewManager(staging.Options{
		WorkDir:       c.cfg.InputDir(),
		ProgressBatch: c.cfg.Staging.ProgressBatch,
		CopyAttempts:  c.cfg.Staging.CopyAttempts,
		CopyBackoff:   c.cfg.Staging.CopyBackoff(),
		YieldEvery:    c.cfg.Staging.YieldEvery(),
		Clock:         c.clock,
		Logger:        logging.WithContext(ctx, logger),
		OnProgress: func(ev staging.Event) {
			percent := 100.0
			if ev.Total > 0 {
				percent = float64(ev.Copied) * 100 / float64(ev.Total)
			}
			message := fmt.Sprintf("Copied %d of %d images", ev.Copied, ev.Total)
			c.sink.Report(percent, message)
			c.tracker.Store(progress.State{
				Phase:     "staging",
				Processed: ev.Copied,
				Target:    ev.Total,
				Percent:   percent,
				Message:   message,
				Busy:      true,
			})
		},
	})
	return manager.Stage(ctx, job.Source)
}

func (c *Coordinator) beginHistory(ctx context.Context, logger *slog.Logger, job Job, runID string, start time.Time) {
	if c.history == nil {
		return
	}
	err := c.history.Begin(ctx, history.Run{
		ID:        runID,
		Source:    describeSource(job.Source),
		OutputDir: job.OutputDir,
		Model:     job.Model.Name,
		Format:    job.Format.String(),
		StartedAt: start,
	})
	if err != nil {
		logging.WarnWithContext(logger, "failed to record run start", "history_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "run will be missing from history"),
		)
	}
}

func (c *Coordinator) finishHistory(ctx context.Context, logger *slog.Logger, result RunResult, runErr error) {
	if c.history == nil {
		return
	}
	outcome := history.Outcome{
		Status:    history.StatusCompleted,
		Target:    result.Target,
		Processed: result.Processed,
		Elapsed:   result.Elapsed,
	}
	switch {
	case result.Canceled:
		outcome.Status = history.StatusCanceled
	case runErr != nil:
		outcome.Status = history.StatusFailed
		outcome.ErrorMessage = runErr.Error()
	}
	for _, f := range result.Failures {
		outcome.Failures = append(outcome.Failures, history.Failure{Path: f.Path, Kind: f.Kind, Message: f.Message})
	}
	if err := c.history.Finish(ctx, result.RunID, outcome); err != nil {
		logging.WarnWithContext(logger, "failed to record run outcome", "history_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "history shows the run as still running"),
		)
	}
}

func (c *Coordinator) notify(ctx context.Context, logger *slog.Logger, result RunResult, runErr error) {
	var err error
	switch {
	case result.Canceled:
		return
	case runErr != nil:
		err = c.notifier.NotifyRunFailed(ctx, runErr)
	default:
		err = c.notifier.NotifyRunCompleted(ctx, notifications.RunSummary{
			Processed: result.Processed,
			Target:    result.Target,
			Failed:    len(result.Failures),
			Elapsed:   result.Elapsed,
		})
	}
	if err != nil {
		logging.WarnWithContext(logger, "completion notice not sent", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			logging.String(logging.FieldImpact, "no push notice for this run"),
		)
	}
}

// targets maps staged names to placement. Directory sources restore the tree
// and the original names; flat file lists keep the collision-free names.
func targets(files []staging.StagedFile, restoreTree bool) map[string]postprocess.Target {
	out := make(map[string]postprocess.Target, len(files))
	for _, f := range files {
		t := postprocess.Target{}
		if restoreTree {
			t.RelDir = f.RelDir
			t.Name = filepath.Base(f.Original)
		}
		out[f.Name] = t
	}
	return out
}

// placeRaw moves engine outputs as-is when post-processing is off.
func placeRaw(workOut, outputDir string) (int, []FileFailure) {
	entries, err := os.ReadDir(workOut)
	if err != nil {
		return 0, []FileFailure{{Path: workOut, Kind: services.KindPlacement, Message: err.Error()}}
	}
	moved := 0
	var failures []FileFailure
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		src := filepath.Join(workOut, entry.Name())
		if err := fileutil.MoveFile(src, filepath.Join(outputDir, entry.Name())); err != nil {
			failures = append(failures, FileFailure{Path: src, Kind: services.KindPlacement, Message: err.Error()})
			continue
		}
		moved++
	}
	return moved, failures
}

func describeSource(src staging.Source) string {
	if src.IsDir() {
		return src.Dir
	}
	switch len(src.Files) {
	case 0:
		return ""
	case 1:
		return src.Files[0]
	default:
		return fmt.Sprintf("%s (+%d files)", src.Files[0], len(src.Files)-1)
	}
}
