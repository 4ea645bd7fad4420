package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunLogDir is the sub-directory of the log directory that holds per-run logs.
const RunLogDir = "runs"

// RunLog is a logger that mirrors everything into a dedicated JSON file for
// one batch run. Close releases the file; the base logger is untouched.
type RunLog struct {
	Logger *slog.Logger
	Path   string
	file   io.Closer
}

// Close flushes and closes the run log file.
func (r *RunLog) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// OpenRunLog creates <logDir>/runs/<runID>.log and returns a logger that
// writes to both base and the file. An empty logDir returns base unchanged.
func OpenRunLog(base *slog.Logger, logDir, runID string) (*RunLog, error) {
	if base == nil {
		base = NewNop()
	}
	logDir = strings.TrimSpace(logDir)
	if logDir == "" || strings.TrimSpace(runID) == "" {
		return &RunLog{Logger: base}, nil
	}
	dir := filepath.Join(logDir, RunLogDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure run log directory: %w", err)
	}
	path := filepath.Join(dir, runID+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
	if err != nil {
		return nil, fmt.Errorf("open run log %s: %w", path, err)
	}
	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)
	fileHandler := newJSONHandler(file, level, false)
	return &RunLog{Logger: TeeLogger(base, fileHandler), Path: path, file: file}, nil
}

// PruneRunLogs removes per-run log files older than retentionDays. Zero or a
// negative value disables pruning. It returns the number of files removed.
func PruneRunLogs(logger *slog.Logger, logDir string, retentionDays int) int {
	if retentionDays <= 0 || strings.TrimSpace(logDir) == "" {
		return 0
	}
	dir := filepath.Join(logDir, RunLogDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "run log retention failed; file remains", "log_retention_failed",
				Path(path),
				Error(err),
				String(FieldErrorHint, "check permissions on log_dir"),
				String(FieldImpact, "old run log stays on disk"),
			)
			continue
		}
		removed++
		if logger != nil {
			logger.Debug("run log pruned", Path(path), String(FieldEventType, "log_pruned"))
		}
	}
	return removed
}

// TeeLogger duplicates log output from base into the provided handlers.
func TeeLogger(base *slog.Logger, handlers ...slog.Handler) *slog.Logger {
	all := make([]slog.Handler, 0, len(handlers)+1)
	if base != nil {
		all = append(all, base.Handler())
	}
	all = append(all, handlers...)
	return slog.New(newFanoutHandler(all...))
}

type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanoutHandler(handlers ...slog.Handler) slog.Handler {
	filtered := make([]slog.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h == nil {
			continue
		}
		if _, noop := h.(NoopHandler); noop {
			continue
		}
		filtered = append(filtered, h)
	}
	switch len(filtered) {
	case 0:
		return NoopHandler{}
	case 1:
		return filtered[0]
	}
	return &fanoutHandler{handlers: filtered}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}
