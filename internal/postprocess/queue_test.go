package postprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"batchscale/internal/codec"
	"batchscale/internal/imageformat"
	"batchscale/internal/logging"
	"batchscale/internal/poll"
	"batchscale/internal/runstate"
	"batchscale/internal/services"
	"batchscale/internal/testsupport"
)

// copyConverter copies src into destDir under the same name.
type copyConverter struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]bool
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func newCopyConverter() *copyConverter {
	return &copyConverter{calls: map[string]int{}, fail: map[string]bool{}}
}

func (c *copyConverter) Convert(_ context.Context, src, destDir string, _ bool) (string, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	name := filepath.Base(src)
	c.mu.Lock()
	c.calls[name]++
	fail := c.fail[name]
	c.mu.Unlock()
	if fail {
		return "", services.Wrap(services.ErrConversion, "postprocess", "convert", name, errors.New("corrupt"))
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(destDir, name)
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (c *copyConverter) callCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func newTestQueue(t *testing.T, conv Converter, mutate func(*Options)) (*Queue, string, string) {
	t.Helper()
	base := t.TempDir()
	watch := filepath.Join(base, "out")
	output := filepath.Join(base, "final")
	if err := os.MkdirAll(watch, 0o755); err != nil {
		t.Fatal(err)
	}
	opts := Options{
		WatchDir:     watch,
		OutputDir:    output,
		TempSuffix:   ".png",
		MaxAttempts:  20,
		Backoff:      500 * time.Millisecond,
		ScanInterval: time.Millisecond,
		Workers:      2,
		Clock:        poll.NewManual(time.Unix(0, 0)),
		Converter:    conv,
		Logger:       logging.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), watch, output
}

func TestLockedFileEventuallyFinalizes(t *testing.T) {
	conv := newCopyConverter()
	q, watch, output := newTestQueue(t, conv, nil)
	var calls int
	q.rename = func(oldPath, newPath string) error {
		calls++
		if calls < 4 {
			return errors.New("file in use")
		}
		return os.Rename(oldPath, newPath)
	}
	src := filepath.Join(watch, "a.jpg.png")
	testsupport.WriteFile(t, src, 10)

	if n := q.Flush(context.Background()); n != 1 {
		t.Fatalf("claimed %d, want 1", n)
	}
	q.Wait()

	task, ok := q.Task(src)
	if !ok {
		t.Fatal("task not tracked")
	}
	if task.State != Done || task.Attempts != 4 {
		t.Fatalf("task = %+v, want done after 4 attempts", task)
	}
	if q.Processed() != 1 {
		t.Fatalf("processed = %d", q.Processed())
	}
	if _, err := os.Stat(filepath.Join(output, "a.jpg")); err != nil {
		t.Fatalf("expected placed output: %v", err)
	}
}

func TestLockedForeverFailsAfterExactAttempts(t *testing.T) {
	q, watch, _ := newTestQueue(t, newCopyConverter(), func(o *Options) { o.MaxAttempts = 7 })
	var calls atomic.Int32
	q.rename = func(string, string) error {
		calls.Add(1)
		return errors.New("sharing violation")
	}
	src := filepath.Join(watch, "b.bmp.png")
	testsupport.WriteFile(t, src, 10)

	q.Flush(context.Background())
	q.Wait()

	if got := calls.Load(); got != 7 {
		t.Fatalf("rename attempts = %d, want 7", got)
	}
	task, _ := q.Task(src)
	if task.State != FailedPermanently {
		t.Fatalf("state = %s", task.State)
	}
	failures := q.Failures()
	if len(failures) != 1 || failures[0].Kind != services.KindRename {
		t.Fatalf("failures = %+v", failures)
	}
	if q.Processed() != 0 {
		t.Fatalf("processed = %d", q.Processed())
	}
}

func TestRediscoveryIsNoOp(t *testing.T) {
	conv := newCopyConverter()
	q, watch, _ := newTestQueue(t, conv, nil)
	// Placing results back into the watched directory leaves "c.png", which
	// still ends with the temporary suffix.
	q.opts.OutputDir = watch
	src := filepath.Join(watch, "c.png.png")
	testsupport.WriteFile(t, src, 10)

	q.Flush(context.Background())
	q.Wait()
	for i := 0; i < 3; i++ {
		if n := q.Scan(context.Background()); n != 0 {
			t.Fatalf("rescan %d claimed %d files", i, n)
		}
	}
	q.Wait()
	if conv.callCount("c.png") != 1 {
		t.Fatalf("converter called %d times", conv.callCount("c.png"))
	}
	if q.Processed() != 1 {
		t.Fatalf("processed = %d", q.Processed())
	}
}

func TestConversionFailureIsRecordedAndQueueContinues(t *testing.T) {
	conv := newCopyConverter()
	conv.fail["bad.jpg"] = true
	q, watch, _ := newTestQueue(t, conv, nil)
	testsupport.WriteFile(t, filepath.Join(watch, "bad.jpg.png"), 10)
	testsupport.WriteFile(t, filepath.Join(watch, "good.jpg.png"), 10)

	if n := q.Flush(context.Background()); n != 2 {
		t.Fatalf("claimed %d", n)
	}
	q.Wait()

	if q.Processed() != 1 {
		t.Fatalf("processed = %d, want 1", q.Processed())
	}
	failures := q.Failures()
	if len(failures) != 1 || failures[0].Kind != services.KindConversion {
		t.Fatalf("failures = %+v", failures)
	}
	if failures[0].Path != filepath.Join(watch, "bad.jpg.png") {
		t.Fatalf("failure path = %s", failures[0].Path)
	}
}

func TestScanIgnoresEmptyAndForeignFiles(t *testing.T) {
	q, watch, _ := newTestQueue(t, newCopyConverter(), nil)
	if err := os.WriteFile(filepath.Join(watch, "empty.jpg.png"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	testsupport.WriteFile(t, filepath.Join(watch, "notes.txt"), 5)
	testsupport.WriteFile(t, filepath.Join(watch, ".png"), 5)
	if err := os.Mkdir(filepath.Join(watch, "dir.png"), 0o755); err != nil {
		t.Fatal(err)
	}
	if n := q.Flush(context.Background()); n != 0 {
		t.Fatalf("claimed %d, want 0", n)
	}
}

func TestPlacementRestoresTreeAndName(t *testing.T) {
	conv := newCopyConverter()
	q, watch, output := newTestQueue(t, conv, func(o *Options) {
		o.Targets = map[string]Target{
			"cat_1.jpg": {RelDir: filepath.Join("pets", "old"), Name: "cat.jpg"},
		}
	})
	testsupport.WriteFile(t, filepath.Join(watch, "cat_1.jpg.png"), 10)

	q.Flush(context.Background())
	q.Wait()

	want := filepath.Join(output, "pets", "old", "cat.jpg")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected %s: %v", want, err)
	}
	task, _ := q.Task(filepath.Join(watch, "cat_1.jpg.png"))
	if task.Output != want {
		t.Fatalf("task output = %s", task.Output)
	}
}

func TestWithoutConverterMovesFile(t *testing.T) {
	q, watch, output := newTestQueue(t, nil, nil)
	testsupport.WriteFile(t, filepath.Join(watch, "raw.tga.png"), 10)
	q.Flush(context.Background())
	q.Wait()
	if _, err := os.Stat(filepath.Join(output, "raw.tga")); err != nil {
		t.Fatalf("expected moved file: %v", err)
	}
}

func TestWorkersBoundConcurrency(t *testing.T) {
	conv := newCopyConverter()
	conv.delay = 5 * time.Millisecond
	q, watch, _ := newTestQueue(t, conv, func(o *Options) { o.Workers = 2 })
	for _, name := range []string{"1", "2", "3", "4", "5", "6"} {
		testsupport.WriteFile(t, filepath.Join(watch, name+".jpg.png"), 10)
	}
	q.Flush(context.Background())
	q.Wait()
	if q.Processed() != 6 {
		t.Fatalf("processed = %d", q.Processed())
	}
	if peak := conv.maxSeen.Load(); peak > 2 {
		t.Fatalf("max concurrent conversions = %d, want <= 2", peak)
	}
}

func TestRunPerformsFinalScanAfterBusyClears(t *testing.T) {
	conv := newCopyConverter()
	q, watch, _ := newTestQueue(t, conv, nil)
	for _, name := range []string{"x.jpg.png", "y.jpg.png"} {
		testsupport.WriteFile(t, filepath.Join(watch, name), 10)
	}
	rc := runstate.New(context.Background())
	defer rc.Release()
	rc.MarkBusy(false)

	q.Run(rc.Context(), rc)

	if q.Processed() != 2 {
		t.Fatalf("processed = %d, want 2", q.Processed())
	}
	if active := q.Active(); len(active) != 0 {
		t.Fatalf("finished tasks still active: %+v", active)
	}
	for _, task := range q.Finished() {
		if task.State != Done {
			t.Fatalf("task %s state %s", task.Path, task.State)
		}
	}
}

func TestRunScansWhileBusy(t *testing.T) {
	conv := newCopyConverter()
	q, watch, _ := newTestQueue(t, conv, func(o *Options) { o.Clock = poll.System })
	rc := runstate.New(context.Background())
	defer rc.Release()
	rc.MarkBusy(true)

	done := make(chan struct{})
	go func() {
		q.Run(rc.Context(), rc)
		close(done)
	}()

	testsupport.WriteFile(t, filepath.Join(watch, "late.jpg.png"), 10)
	deadline := time.Now().Add(2 * time.Second)
	for q.Processed() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	rc.MarkBusy(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after busy cleared")
	}
	if q.Processed() != 1 {
		t.Fatalf("processed = %d", q.Processed())
	}
}

func TestCanceledRunSkipsFinalScan(t *testing.T) {
	q, watch, _ := newTestQueue(t, newCopyConverter(), nil)
	testsupport.WriteFile(t, filepath.Join(watch, "z.jpg.png"), 10)
	rc := runstate.New(context.Background())
	rc.MarkBusy(true)
	rc.Cancel()

	q.Run(rc.Context(), rc)

	if len(q.Active()) != 0 || len(q.Finished()) != 0 {
		t.Fatalf("canceled run should not claim files, got %+v", q.Active())
	}
}

func TestScanWaitsForOutputToSettle(t *testing.T) {
	q, watch, _ := newTestQueue(t, newCopyConverter(), nil)
	path := filepath.Join(watch, "grow.jpg.png")
	testsupport.WriteFile(t, path, 10)

	if n := q.Scan(context.Background()); n != 0 {
		t.Fatalf("first sighting claimed %d files", n)
	}
	testsupport.WriteFile(t, path, 20)
	if n := q.Scan(context.Background()); n != 0 {
		t.Fatalf("growing file claimed %d times", n)
	}
	if n := q.Scan(context.Background()); n != 1 {
		t.Fatalf("settled file claimed %d times, want 1", n)
	}
	q.Wait()
	if q.Processed() != 1 {
		t.Fatalf("processed = %d", q.Processed())
	}
}

// completingClock finishes a pending write the first time a backoff starts.
type completingClock struct {
	*poll.Manual
	once     sync.Once
	complete func()
}

func (c *completingClock) After(d time.Duration) <-chan time.Time {
	c.once.Do(c.complete)
	return c.Manual.After(d)
}

func TestPartiallyWrittenOutputIsConvertedOnceComplete(t *testing.T) {
	full := filepath.Join(t.TempDir(), "full.png")
	testsupport.WriteImage(t, full, 64, 64)
	data, err := os.ReadFile(full)
	if err != nil {
		t.Fatal(err)
	}

	conv, err := codec.New(codec.Options{Format: imageformat.JPEG, Logger: logging.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	clock := &completingClock{Manual: poll.NewManual(time.Unix(0, 0))}
	q, watch, output := newTestQueue(t, conv, func(o *Options) { o.Clock = clock })

	// The writer keeps its descriptor open across the rename, the way an
	// engine still encoding the file would.
	src := filepath.Join(watch, "pic.jpg.png")
	f, err := os.Create(src)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	half := len(data) / 2
	if _, err := f.Write(data[:half]); err != nil {
		t.Fatal(err)
	}
	clock.complete = func() {
		if _, err := f.Write(data[half:]); err != nil {
			t.Errorf("finish write: %v", err)
		}
	}

	q.Scan(context.Background())
	if n := q.Scan(context.Background()); n != 1 {
		t.Fatalf("claimed %d, want 1", n)
	}
	q.Wait()

	task, ok := q.Task(src)
	if !ok {
		t.Fatal("task not tracked")
	}
	if task.State != Done || task.ConvertAttempts != 2 {
		t.Fatalf("task = %+v, want done after 2 conversion attempts", task)
	}
	if failures := q.Failures(); len(failures) != 0 {
		t.Fatalf("failures = %+v", failures)
	}
	if _, format, err := codec.Decode(filepath.Join(output, "pic.jpg")); err != nil || format != "jpeg" {
		t.Fatalf("decode output: format=%q err=%v", format, err)
	}
}

func TestUnreadableOutputFailsAfterExactAttempts(t *testing.T) {
	conv, err := codec.New(codec.Options{Format: imageformat.PNG, Logger: logging.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	q, watch, _ := newTestQueue(t, conv, func(o *Options) { o.MaxAttempts = 3 })
	src := filepath.Join(watch, "junk.bmp.png")
	testsupport.WriteFile(t, src, 32)

	q.Flush(context.Background())
	q.Wait()

	task, _ := q.Task(src)
	if task.State != FailedPermanently || task.ConvertAttempts != 3 {
		t.Fatalf("task = %+v, want failed after 3 conversion attempts", task)
	}
	failures := q.Failures()
	if len(failures) != 1 || failures[0].Kind != services.KindConversion {
		t.Fatalf("failures = %+v", failures)
	}
}

func TestFinishedTasksLeaveActiveTracking(t *testing.T) {
	conv := newCopyConverter()
	conv.fail["bad.jpg"] = true
	q, watch, _ := newTestQueue(t, conv, nil)
	testsupport.WriteFile(t, filepath.Join(watch, "bad.jpg.png"), 10)
	testsupport.WriteFile(t, filepath.Join(watch, "good.jpg.png"), 10)

	q.Flush(context.Background())
	q.Wait()

	if active := q.Active(); len(active) != 0 {
		t.Fatalf("active = %+v", active)
	}
	finished := q.Finished()
	if len(finished) != 2 || finished[0].State != FailedPermanently || finished[1].State != Done {
		t.Fatalf("finished = %+v", finished)
	}
	if n := q.Scan(context.Background()); n != 0 {
		t.Fatalf("rescan claimed %d", n)
	}
}
