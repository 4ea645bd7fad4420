package progress

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"batchscale/internal/logging"
)

// LogSink writes sampled progress lines to a logger.
type LogSink struct {
	mu      sync.Mutex
	logger  *slog.Logger
	phase   string
	sampler *logging.ProgressSampler
}

// NewLogSink logs at most one line per bucketPercent of progress.
func NewLogSink(logger *slog.Logger, phase string, bucketPercent float64) *LogSink {
	return &LogSink{
		logger:  logging.NewComponentLogger(logger, "progress"),
		phase:   phase,
		sampler: logging.NewProgressSampler(bucketPercent),
	}
}

// Report implements Sink.
func (s *LogSink) Report(percent float64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if percent == 0 && message == "" {
		s.sampler.Reset()
		return
	}
	if !s.sampler.ShouldLog(percent, s.phase) {
		return
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldStage, s.phase),
		logging.String(logging.FieldEventType, "progress"),
	}
	if percent >= 0 {
		attrs = append(attrs, logging.Float64("percent", percent))
	}
	msg := message
	if msg == "" {
		msg = "progress"
	}
	s.logger.Info(msg, logging.Args(attrs...)...)
}

// ConsoleSink renders a single self-overwriting progress line on terminals
// and plain lines elsewhere.
type ConsoleSink struct {
	mu       sync.Mutex
	w        io.Writer
	terminal bool
	width    int
	lastLen  int
	last     string
}

// NewConsoleSink writes to w. Terminal detection uses the file descriptor
// when w is an *os.File.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	terminal := false
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		terminal = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	return &ConsoleSink{w: w, terminal: terminal, width: 24}
}

// Report implements Sink.
func (s *ConsoleSink) Report(percent float64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idle := percent == 0 && message == ""
	if idle {
		if s.terminal && s.lastLen > 0 {
			fmt.Fprint(s.w, "\r"+strings.Repeat(" ", s.lastLen)+"\r")
			s.lastLen = 0
		}
		s.last = ""
		return
	}

	line := RenderLine(percent, message, s.width)
	if line == s.last {
		return
	}
	s.last = line
	if !s.terminal {
		fmt.Fprintln(s.w, line)
		return
	}
	pad := ""
	if s.lastLen > len(line) {
		pad = strings.Repeat(" ", s.lastLen-len(line))
	}
	fmt.Fprint(s.w, "\r"+line+pad)
	s.lastLen = len(line)
}

// Finish ends the current terminal line.
func (s *ConsoleSink) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal && s.lastLen > 0 {
		fmt.Fprintln(s.w)
		s.lastLen = 0
	}
}

// RenderLine formats a bar such as "[#####.....]  50% message". An
// indeterminate percent renders without a bar.
func RenderLine(percent float64, message string, width int) string {
	if percent < 0 {
		if message == "" {
			return "working..."
		}
		return message
	}
	if percent > 100 {
		percent = 100
	}
	if width <= 0 {
		width = 20
	}
	filled := int(percent / 100 * float64(width))
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
	line := fmt.Sprintf("[%s] %3.0f%%", bar, percent)
	if message != "" {
		line += " " + message
	}
	return line
}
