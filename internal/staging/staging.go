package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"batchscale/internal/fileutil"
	"batchscale/internal/imageformat"
	"batchscale/internal/logging"
	"batchscale/internal/poll"
	"batchscale/internal/retry"
	"batchscale/internal/services"
)

const stageName = "staging"

// Source is what the user asked to upscale. Exactly one of Dir or Files is
// used; Dir wins when both are set.
type Source struct {
	Dir   string
	Files []string
}

// IsDir reports whether the source is a directory tree.
func (s Source) IsDir() bool {
	return strings.TrimSpace(s.Dir) != ""
}

// StagedFile links a user file to its copy in the working directory.
type StagedFile struct {
	Original string
	Staged   string
	// RelDir is the original sub-directory relative to the source root;
	// empty for top-level files and file-list sources.
	RelDir string
	// Name is the flat file name inside the working directory.
	Name string
}

// SkippedFile records a compatible file that could not be copied.
type SkippedFile struct {
	Path string
	Err  error
}

// Event reports copy progress ("Copied K of T").
type Event struct {
	Copied int
	Total  int
}

// Result summarizes one staging pass.
type Result struct {
	Files       []StagedFile
	Skipped     []SkippedFile
	Unsupported int
	// InPlace is set when the source already is the working directory.
	InPlace bool
}

// Options configures a Manager.
type Options struct {
	WorkDir       string
	ProgressBatch int
	CopyAttempts  int
	CopyBackoff   time.Duration
	// YieldEvery is how much continuous copying runs before a short pause.
	// Zero disables pausing.
	YieldEvery time.Duration
	Clock      poll.Clock
	OnProgress func(Event)
	Logger     *slog.Logger
}

// Manager stages sources into a working directory.
type Manager struct {
	opts   Options
	logger *slog.Logger
	copy   func(src, dst string) error
}

// NewManager constructs a Manager with defaults applied.
func NewManager(opts Options) *Manager {
	if opts.ProgressBatch <= 0 {
		opts.ProgressBatch = 20
	}
	if opts.CopyAttempts <= 0 {
		opts.CopyAttempts = 1
	}
	if opts.Clock == nil {
		opts.Clock = poll.System
	}
	return &Manager{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, stageName),
		copy:   fileutil.CopyFile,
	}
}

// Stage copies the compatible files of src into the working directory. The
// working directory is emptied first unless the source already is it.
// Per-file copy failures are logged and listed in Result.Skipped; only a
// missing source, an unusable working directory, or zero compatible files
// are returned as errors.
func (m *Manager) Stage(ctx context.Context, src Source) (Result, error) {
	workDir, err := filepath.Abs(strings.TrimSpace(m.opts.WorkDir))
	if err != nil || strings.TrimSpace(m.opts.WorkDir) == "" {
		return Result{}, services.Wrap(services.ErrConfiguration, stageName, "resolve work dir",
			"Working input directory is not configured", err)
	}

	candidates, unsupported, err := collect(src)
	if err != nil {
		return Result{}, err
	}

	if src.IsDir() && sameDir(src.Dir, workDir) {
		return m.stageInPlace(candidates, unsupported)
	}

	keep := map[string]struct{}{}
	for _, c := range candidates {
		if sameDir(filepath.Dir(c.path), workDir) {
			keep[filepath.Base(c.path)] = struct{}{}
		}
	}
	if err := clearExcept(workDir, keep); err != nil {
		return Result{}, services.Wrap(services.ErrStaging, stageName, "prepare work dir",
			"Working input directory could not be prepared", err)
	}

	result := Result{Unsupported: unsupported}
	used := make(map[string]struct{}, len(candidates))
	for name := range keep {
		used[strings.ToLower(name)] = struct{}{}
	}
	total := len(candidates)
	lastYield := m.opts.Clock.Now()
	lastReported := 0

	for idx, c := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var staged StagedFile
		if _, ok := keep[filepath.Base(c.path)]; ok && sameDir(filepath.Dir(c.path), workDir) {
			// Already in the working directory.
			name := filepath.Base(c.path)
			staged = StagedFile{Original: c.path, Staged: c.path, RelDir: c.relDir, Name: name}
		} else {
			name := uniqueName(used, filepath.Base(c.path))
			dst := filepath.Join(workDir, name)
			if err := m.copyWithRetry(ctx, c.path, dst); err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				delete(used, strings.ToLower(name))
				m.logger.Warn("staging copy failed; file skipped",
					logging.Path(c.path),
					logging.Error(err),
					logging.String(logging.FieldEventType, "staging_copy_failed"),
					logging.String(logging.FieldErrorHint, "check that the file is readable"),
					logging.String(logging.FieldImpact, "file will not be upscaled"),
				)
				result.Skipped = append(result.Skipped, SkippedFile{Path: c.path, Err: err})
				continue
			}
			staged = StagedFile{Original: c.path, Staged: dst, RelDir: c.relDir, Name: name}
		}
		result.Files = append(result.Files, staged)

		copied := len(result.Files)
		if copied%m.opts.ProgressBatch == 0 || idx == total-1 {
			if copied != lastReported {
				lastReported = copied
				m.report(Event{Copied: copied, Total: total})
			}
		}

		if m.opts.YieldEvery > 0 && m.opts.Clock.Now().Sub(lastYield) >= m.opts.YieldEvery {
			if !poll.Sleep(ctx, m.opts.Clock, time.Millisecond) {
				return result, ctx.Err()
			}
			lastYield = m.opts.Clock.Now()
		}
	}

	if len(result.Files) == 0 {
		return result, services.Wrap(services.ErrStaging, stageName, "copy inputs",
			"None of the compatible files could be staged", nil)
	}

	m.logger.Info("staging complete",
		logging.Int("staged", len(result.Files)),
		logging.Int("skipped", len(result.Skipped)),
		logging.Int("unsupported", result.Unsupported),
		logging.String(logging.FieldEventType, "staging_complete"),
	)
	return result, nil
}

func (m *Manager) stageInPlace(candidates []candidate, unsupported int) (Result, error) {
	result := Result{InPlace: true, Unsupported: unsupported}
	for _, c := range candidates {
		result.Files = append(result.Files, StagedFile{
			Original: c.path,
			Staged:   c.path,
			RelDir:   c.relDir,
			Name:     filepath.Base(c.path),
		})
	}
	m.logger.Info("source is the working directory; staging skipped",
		logging.Int("staged", len(result.Files)),
		logging.String(logging.FieldEventType, "staging_in_place"),
	)
	m.report(Event{Copied: len(result.Files), Total: len(result.Files)})
	return result, nil
}

func (m *Manager) copyWithRetry(ctx context.Context, src, dst string) error {
	_, err := retry.Do(ctx, retry.Policy{
		MaxAttempts: m.opts.CopyAttempts,
		Backoff:     m.opts.CopyBackoff,
		Clock:       m.opts.Clock,
		OnRetry: func(attempt int, err error) {
			m.logger.Debug("staging copy retry", logging.Path(src), logging.Int("attempt", attempt), logging.Error(err))
		},
	}, func(int) error {
		return m.copy(src, dst)
	})
	if err != nil {
		_ = os.Remove(dst)
		return services.Wrap(services.ErrStaging, stageName, "copy", "Failed to copy "+filepath.Base(src), err)
	}
	return nil
}

func (m *Manager) report(ev Event) {
	m.logger.Info(fmt.Sprintf("Copied %d of %d images", ev.Copied, ev.Total),
		logging.String(logging.FieldEventType, "staging_progress"),
	)
	if m.opts.OnProgress != nil {
		m.opts.OnProgress(ev)
	}
}

// Count reports how many files of src would be staged without copying.
func Count(src Source) (supported, unsupported int, err error) {
	candidates, unsupported, err := collect(src)
	if err != nil {
		return 0, 0, err
	}
	return len(candidates), unsupported, nil
}

// MarkPending appends suffix to every staged file so the engine's outputs
// carry it while they are in progress. The returned slice has updated Staged
// paths; on error it holds the files renamed so far.
func MarkPending(files []StagedFile, suffix string) ([]StagedFile, error) {
	if suffix == "" {
		return files, nil
	}
	out := make([]StagedFile, len(files))
	for i, f := range files {
		out[i] = f
		target := f.Staged + suffix
		if err := os.Rename(f.Staged, target); err != nil {
			return out[:i], services.Wrap(services.ErrStaging, stageName, "mark pending",
				"Failed to tag staged input "+f.Name, err)
		}
		out[i].Staged = target
	}
	return out, nil
}

type candidate struct {
	path   string
	relDir string
}

func collect(src Source) ([]candidate, int, error) {
	if src.IsDir() {
		return collectDir(src.Dir)
	}
	if len(src.Files) == 0 {
		return nil, 0, services.Wrap(services.ErrStaging, stageName, "resolve source",
			"No input directory or files were given", nil)
	}
	var out []candidate
	unsupported := 0
	seen := make(map[string]struct{}, len(src.Files))
	for _, raw := range src.Files {
		path, err := filepath.Abs(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			unsupported++
			continue
		}
		if !imageformat.IsSupported(path) {
			unsupported++
			continue
		}
		out = append(out, candidate{path: path})
	}
	if len(out) == 0 {
		return nil, unsupported, services.Wrap(services.ErrStaging, stageName, "resolve source",
			"None of the given files is a supported image", nil)
	}
	return out, unsupported, nil
}

func collectDir(dir string) ([]candidate, int, error) {
	root, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return nil, 0, services.Wrap(services.ErrStaging, stageName, "resolve source", "Invalid input directory", err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", root)
		}
		return nil, 0, services.Wrap(services.ErrStaging, stageName, "resolve source",
			"Input directory does not exist", err)
	}

	var out []candidate
	unsupported := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrPermission) && d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !imageformat.IsSupported(path) {
			unsupported++
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil || rel == "." {
			rel = ""
		}
		out = append(out, candidate{path: path, relDir: rel})
		return nil
	})
	if err != nil {
		return nil, 0, services.Wrap(services.ErrStaging, stageName, "walk source", "Failed to scan input directory", err)
	}
	if len(out) == 0 {
		return nil, unsupported, services.Wrap(services.ErrStaging, stageName, "resolve source",
			"Input directory contains no supported images", nil)
	}
	return out, unsupported, nil
}

func clearExcept(dir string, keep map[string]struct{}) error {
	if len(keep) == 0 {
		return fileutil.ClearDir(dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if _, ok := keep[entry.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// uniqueName returns base, or base with a _N counter before the extension,
// such that the result is not yet in used. Comparison ignores case.
func uniqueName(used map[string]struct{}, base string) string {
	name := base
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; ; n++ {
		key := strings.ToLower(name)
		if _, taken := used[key]; !taken {
			used[key] = struct{}{}
			return name
		}
		name = stem + "_" + strconv.Itoa(n) + ext
	}
}

func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return false
	}
	if absA == absB {
		return true
	}
	infoA, errA := os.Stat(absA)
	infoB, errB := os.Stat(absB)
	return errA == nil && errB == nil && os.SameFile(infoA, infoB)
}
