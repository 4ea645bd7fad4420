package staging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"batchscale/internal/logging"
	"batchscale/internal/poll"
	"batchscale/internal/services"
	"batchscale/internal/testsupport"
)

func newTestManager(t *testing.T, workDir string, events *[]Event) *Manager {
	t.Helper()
	return NewManager(Options{
		WorkDir:       workDir,
		ProgressBatch: 4,
		CopyAttempts:  2,
		CopyBackoff:   time.Millisecond,
		Clock:         poll.NewManual(time.Unix(0, 0)),
		OnProgress: func(ev Event) {
			if events != nil {
				*events = append(*events, ev)
			}
		},
		Logger: logging.NewNop(),
	})
}

func TestStageDirectoryFiltersUnsupported(t *testing.T) {
	src := t.TempDir()
	for i := 0; i < 10; i++ {
		ext := []string{".png", ".JPG", ".jpeg", ".bmp", ".webp"}[i%5]
		testsupport.WriteFile(t, filepath.Join(src, "img"+string(rune('a'+i))+ext), 32)
	}
	for _, name := range []string{"notes.txt", "movie.mkv", "raw.cr2", "readme", "thumbs.db"} {
		testsupport.WriteFile(t, filepath.Join(src, name), 8)
	}
	workDir := filepath.Join(t.TempDir(), "in")

	var events []Event
	result, err := newTestManager(t, workDir, &events).Stage(context.Background(), Source{Dir: src})
	if err != nil {
		t.Fatalf("Stage returned error: %v", err)
	}
	if len(result.Files) != 10 {
		t.Fatalf("staged %d files, want 10", len(result.Files))
	}
	if result.Unsupported != 5 {
		t.Fatalf("unsupported = %d, want 5", result.Unsupported)
	}
	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 10 {
		t.Fatalf("work dir holds %d entries, want 10", len(entries))
	}
	if len(events) != 3 || events[len(events)-1].Copied != 10 || events[0].Total != 10 {
		t.Fatalf("unexpected progress events: %+v", events)
	}
}

func TestStageDirectoryClearsWorkDirAndFlattens(t *testing.T) {
	src := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(src, "cover.png"), 16)
	testsupport.WriteFile(t, filepath.Join(src, "album", "cover.png"), 24)
	testsupport.WriteFile(t, filepath.Join(src, "album", "deep", "art.gif"), 8)

	workDir := filepath.Join(t.TempDir(), "in")
	testsupport.WriteFile(t, filepath.Join(workDir, "stale.png"), 4)

	result, err := newTestManager(t, workDir, nil).Stage(context.Background(), Source{Dir: src})
	if err != nil {
		t.Fatalf("Stage returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, "stale.png")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file removed, stat err=%v", err)
	}

	byOriginal := map[string]StagedFile{}
	for _, f := range result.Files {
		byOriginal[strings.TrimPrefix(f.Original, src+string(filepath.Separator))] = f
		if filepath.Dir(f.Staged) != workDir {
			t.Fatalf("staged file %s is not flat in %s", f.Staged, workDir)
		}
	}
	nested := byOriginal[filepath.Join("album", "cover.png")]
	top := byOriginal["cover.png"]
	if nested.Name == top.Name {
		t.Fatalf("collision not resolved: both named %s", top.Name)
	}
	if nested.RelDir != "album" || top.RelDir != "" {
		t.Fatalf("unexpected rel dirs: nested=%q top=%q", nested.RelDir, top.RelDir)
	}
	if got := byOriginal[filepath.Join("album", "deep", "art.gif")].RelDir; got != filepath.Join("album", "deep") {
		t.Fatalf("deep rel dir = %q", got)
	}
}

func TestStageSourceEqualToWorkDirIsNoop(t *testing.T) {
	workDir := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(workDir, "a.png"), 10)
	testsupport.WriteFile(t, filepath.Join(workDir, "b.jpg"), 10)
	testsupport.WriteFile(t, filepath.Join(workDir, "c.txt"), 10)

	result, err := newTestManager(t, workDir, nil).Stage(context.Background(), Source{Dir: workDir})
	if err != nil {
		t.Fatalf("Stage returned error: %v", err)
	}
	if !result.InPlace || len(result.Files) != 2 {
		t.Fatalf("expected in-place staging of 2 files, got %+v", result)
	}
	data, err := os.ReadFile(filepath.Join(workDir, "a.png"))
	if err != nil || len(data) != 10 {
		t.Fatalf("in-place file altered: len=%d err=%v", len(data), err)
	}
}

func TestStageFileListSkipsFailedCopies(t *testing.T) {
	src := t.TempDir()
	var files []string
	for _, name := range []string{"one.png", "two.png", "three.png", "four.txt"} {
		path := filepath.Join(src, name)
		testsupport.WriteFile(t, path, 16)
		files = append(files, path)
	}
	workDir := filepath.Join(t.TempDir(), "in")

	m := newTestManager(t, workDir, nil)
	attempts := 0
	m.copy = func(from, to string) error {
		if filepath.Base(from) == "two.png" {
			attempts++
			return errors.New("device busy")
		}
		return os.WriteFile(to, []byte("ok"), 0o644)
	}

	result, err := m.Stage(context.Background(), Source{Files: files})
	if err != nil {
		t.Fatalf("Stage returned error: %v", err)
	}
	if len(result.Files) != 2 {
		t.Fatalf("staged %d files, want 2", len(result.Files))
	}
	if len(result.Skipped) != 1 || filepath.Base(result.Skipped[0].Path) != "two.png" {
		t.Fatalf("unexpected skipped list: %+v", result.Skipped)
	}
	if !errors.Is(result.Skipped[0].Err, services.ErrStaging) {
		t.Fatalf("expected staging error marker, got %v", result.Skipped[0].Err)
	}
	if attempts != 2 {
		t.Fatalf("copy attempts = %d, want 2", attempts)
	}
	if result.Unsupported != 1 {
		t.Fatalf("unsupported = %d, want 1", result.Unsupported)
	}
}

func TestStageFileListInsideWorkDirIsNotCopiedOverItself(t *testing.T) {
	workDir := t.TempDir()
	inside := filepath.Join(workDir, "keep.png")
	testsupport.WriteFile(t, inside, 64)
	outside := filepath.Join(t.TempDir(), "other.png")
	testsupport.WriteFile(t, outside, 32)
	testsupport.WriteFile(t, filepath.Join(workDir, "leftover.png"), 4)

	result, err := newTestManager(t, workDir, nil).Stage(context.Background(), Source{Files: []string{inside, outside}})
	if err != nil {
		t.Fatalf("Stage returned error: %v", err)
	}
	if len(result.Files) != 2 {
		t.Fatalf("staged %d files, want 2", len(result.Files))
	}
	info, err := os.Stat(inside)
	if err != nil || info.Size() != 64 {
		t.Fatalf("self-copy changed file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, "leftover.png")); !os.IsNotExist(err) {
		t.Fatalf("expected unlisted file cleared, stat err=%v", err)
	}
}

func TestStageFatalErrors(t *testing.T) {
	m := newTestManager(t, filepath.Join(t.TempDir(), "in"), nil)

	if _, err := m.Stage(context.Background(), Source{}); !errors.Is(err, services.ErrStaging) {
		t.Fatalf("empty source: expected staging error, got %v", err)
	}
	if _, err := m.Stage(context.Background(), Source{Dir: filepath.Join(t.TempDir(), "missing")}); !errors.Is(err, services.ErrStaging) {
		t.Fatalf("missing dir: expected staging error, got %v", err)
	}
	onlyText := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(onlyText, "a.txt"), 4)
	if _, err := m.Stage(context.Background(), Source{Dir: onlyText}); !errors.Is(err, services.ErrStaging) {
		t.Fatalf("no compatible files: expected staging error, got %v", err)
	}
}

func TestStageStopsOnCancel(t *testing.T) {
	src := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		testsupport.WriteFile(t, filepath.Join(src, name), 4)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := newTestManager(t, filepath.Join(t.TempDir(), "in"), nil)
	copies := 0
	m.copy = func(from, to string) error {
		copies++
		cancel()
		return os.WriteFile(to, []byte("x"), 0o644)
	}

	_, err := m.Stage(ctx, Source{Dir: src})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if copies != 1 {
		t.Fatalf("copies = %d, want 1", copies)
	}
}

func TestMarkPendingAppendsSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	testsupport.WriteFile(t, path, 4)

	out, err := MarkPending([]StagedFile{{Staged: path, Name: "photo.jpg"}}, ".png")
	if err != nil {
		t.Fatalf("MarkPending returned error: %v", err)
	}
	if out[0].Staged != path+".png" {
		t.Fatalf("staged path = %q", out[0].Staged)
	}
	if _, err := os.Stat(path + ".png"); err != nil {
		t.Fatalf("expected renamed file: %v", err)
	}
}

func TestCount(t *testing.T) {
	src := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(src, "a.png"), 1)
	testsupport.WriteFile(t, filepath.Join(src, "sub", "b.GIF"), 1)
	testsupport.WriteFile(t, filepath.Join(src, "c.doc"), 1)

	supported, unsupported, err := Count(Source{Dir: src})
	if err != nil {
		t.Fatalf("Count returned error: %v", err)
	}
	if supported != 2 || unsupported != 1 {
		t.Fatalf("Count = %d/%d, want 2/1", supported, unsupported)
	}
}

func TestUniqueName(t *testing.T) {
	used := map[string]struct{}{}
	got := []string{
		uniqueName(used, "a.png"),
		uniqueName(used, "A.PNG"),
		uniqueName(used, "a.png"),
	}
	want := []string{"a.png", "A_1.PNG", "a_2.png"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("uniqueName[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
