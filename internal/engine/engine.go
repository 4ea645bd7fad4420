// Package engine runs the external super-resolution engine over a staged
// input directory.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"batchscale/internal/config"
	"batchscale/internal/logging"
	"batchscale/internal/services"
)

// Mode is how the engine combines models.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeInterp Mode = "interp"
	ModeChain  Mode = "chain"
)

// Model describes the network the engine loads. The pipeline treats it as
// opaque and only passes it through.
type Model struct {
	Name string
	Path string
	Mode Mode
}

// Request is one engine invocation over a whole directory.
type Request struct {
	InputDir  string
	OutputDir string
	Model     Model
	Alpha     bool
	Preview   bool
}

// Engine upscales every image in Request.InputDir into Request.OutputDir.
// Run blocks until the engine exits; canceling ctx kills it.
type Engine interface {
	Run(ctx context.Context, req Request) error
}

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onLine func(string)) error
}

// Option configures the CLI engine.
type Option func(*CLI)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *CLI) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithArgs replaces the argument template.
func WithArgs(args []string) Option {
	return func(c *CLI) {
		if len(args) > 0 {
			c.args = append([]string(nil), args...)
		}
	}
}

// WithBinary overrides the engine binary.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if b := strings.TrimSpace(binary); b != "" {
			c.binary = b
		}
	}
}

// WithLogger sets the logger that receives engine output lines.
func WithLogger(logger *slog.Logger) Option {
	return func(c *CLI) {
		c.logger = logging.NewComponentLogger(logger, "engine")
	}
}

// CLI drives an engine binary through an argument template. Placeholders
// {input}, {output}, {model}, {model_path}, {mode} and {alpha} are replaced
// per run.
type CLI struct {
	binary string
	args   []string
	exec   Executor
	logger *slog.Logger
}

// NewCLI constructs a CLI engine for binary.
func NewCLI(binary string, opts ...Option) (*CLI, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, services.Wrap(services.ErrConfiguration, "engine", "init", "engine binary required", nil)
	}
	c := &CLI{
		binary: binary,
		args:   []string{"-i", "{input}", "-o", "{output}", "-n", "{model}"},
		exec:   commandExecutor{},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FromConfig builds the CLI engine from the [engine] section.
func FromConfig(cfg *config.Config, logger *slog.Logger, opts ...Option) (*CLI, error) {
	base := []Option{WithArgs(cfg.Engine.Args), WithLogger(logger)}
	return NewCLI(cfg.Engine.Binary, append(base, opts...)...)
}

// ModelFromConfig returns the configured default model.
func ModelFromConfig(cfg *config.Config) Model {
	return Model{Name: cfg.Engine.Model, Path: cfg.Engine.ModelPath, Mode: Mode(cfg.Engine.Mode)}
}

// Args expands the template for req.
func (c *CLI) Args(req Request) []string {
	alpha := "0"
	if req.Alpha {
		alpha = "1"
	}
	replacer := strings.NewReplacer(
		"{input}", req.InputDir,
		"{output}", req.OutputDir,
		"{model_path}", req.Model.Path,
		"{model}", req.Model.Name,
		"{mode}", string(req.Model.Mode),
		"{alpha}", alpha,
	)
	out := make([]string, 0, len(c.args))
	for _, arg := range c.args {
		out = append(out, replacer.Replace(arg))
	}
	return out
}

// Run executes the engine and waits for it to exit.
func (c *CLI) Run(ctx context.Context, req Request) error {
	if req.InputDir == "" || req.OutputDir == "" {
		return services.Wrap(services.ErrConfiguration, "engine", "run", "input and output directories required", nil)
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return services.Wrap(services.ErrExternalTool, "engine", "create output dir", req.OutputDir, err)
	}

	args := c.Args(req)
	c.logger.Info("engine starting",
		logging.String("binary", c.binary),
		logging.String("model", req.Model.Name),
		logging.String("mode", string(req.Model.Mode)),
		logging.Bool("alpha", req.Alpha),
		logging.Bool("preview", req.Preview),
	)
	c.logger.Debug("engine command", logging.String("args", strings.Join(args, " ")))

	err := c.exec.Run(ctx, c.binary, args, func(line string) {
		if line = strings.TrimSpace(line); line != "" {
			c.logger.Debug("engine output", logging.String("line", line))
		}
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return services.Wrap(services.ErrExternalTool, "engine", "run", c.binary, err)
	}
	return nil
}

// killGrace bounds how long Wait keeps copying output after the process
// group was killed, in case a descendant left the group and holds the pipes.
const killGrace = 2 * time.Second

type commandExecutor struct{}

// Run starts binary in its own process group so that canceling ctx kills
// every process the engine spawned, not only the direct child.
func (commandExecutor) Run(ctx context.Context, binary string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = killGrace

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var wg sync.WaitGroup
	var mu sync.Mutex
	var scanErr error

	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			mu.Lock()
			onLine(scanner.Text())
			mu.Unlock()
		}
		if err := scanner.Err(); err != nil {
			mu.Lock()
			if scanErr == nil {
				scanErr = err
			}
			mu.Unlock()
			// Keep the writer unblocked so Wait can return.
			_, _ = io.Copy(io.Discard, r)
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	wg.Add(2)
	go scan(stdoutR)
	go scan(stderrR)

	waitErr := cmd.Wait()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	wg.Wait()

	if waitErr != nil {
		return fmt.Errorf("wait command: %w", waitErr)
	}
	if scanErr != nil {
		return fmt.Errorf("scan output: %w", scanErr)
	}
	return nil
}
