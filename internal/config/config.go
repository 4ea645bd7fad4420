package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains working, log, and database locations.
type Paths struct {
	WorkDir   string `toml:"work_dir"`
	LogDir    string `toml:"log_dir"`
	HistoryDB string `toml:"history_db"`
}

// Engine describes the external super-resolution binary and how to call it.
type Engine struct {
	Binary string `toml:"binary"`
	// Args is a template; {input}, {output}, {model}, {model_path}, {mode}
	// and {alpha} are substituted per run.
	Args       []string `toml:"args"`
	Model      string   `toml:"model"`
	ModelPath  string   `toml:"model_path"`
	Mode       string   `toml:"mode"`
	Alpha      bool     `toml:"alpha"`
	Preview    bool     `toml:"preview"`
	TempSuffix string   `toml:"temp_suffix"`
}

// Output controls post-processing conversion and placement.
type Output struct {
	Dir             string `toml:"dir"`
	Format          string `toml:"format"`
	ConverterBinary string `toml:"converter_binary"`
	JPEGQuality     int    `toml:"jpeg_quality"`
	PNGCompression  string `toml:"png_compression"`
	ResizePercent   int    `toml:"resize_percent"`
	ExtensionMode   string `toml:"extension_mode"`
}

// Staging controls how inputs are copied into the working directory.
type Staging struct {
	ProgressBatch int `toml:"progress_batch"`
	CopyAttempts  int `toml:"copy_attempts"`
	CopyBackoffMS int `toml:"copy_backoff_ms"`
	YieldEveryMS  int `toml:"yield_every_ms"`
}

// Preflight contains resource check settings.
type Preflight struct {
	SpaceMultiplier float64 `toml:"space_multiplier"`
}

// Monitor contains progress polling settings.
type Monitor struct {
	PollIntervalMS int `toml:"poll_interval_ms"`
}

// PostProcess controls the finalization queue.
type PostProcess struct {
	Enabled        bool `toml:"enabled"`
	MaxAttempts    int  `toml:"max_attempts"`
	BackoffMS      int  `toml:"backoff_ms"`
	ScanIntervalMS int  `toml:"scan_interval_ms"`
	Workers        int  `toml:"workers"`
}

// API controls the optional read-only status server.
type API struct {
	Bind string `toml:"bind"`
}

// Notifications configures run completion notices.
type Notifications struct {
	NtfyTopic         string `toml:"ntfy_topic"`
	RequestTimeoutSec int    `toml:"request_timeout_sec"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for batchscale.
//
// Configuration sections by subsystem:
//   - Paths: working directory, logs, and run history database
//   - Engine: external upscaler binary, argument template, and model
//   - Output: final format, converter, and placement
//   - Staging: copy batching and retry
//   - Preflight: disk space safety factor
//   - Monitor: progress polling interval
//   - PostProcess: finalization queue retry and concurrency
//   - API: status server bind address
//   - Notifications: ntfy topic for run completion notices
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Engine        Engine        `toml:"engine"`
	Output        Output        `toml:"output"`
	Staging       Staging       `toml:"staging"`
	Preflight     Preflight     `toml:"preflight"`
	Monitor       Monitor       `toml:"monitor"`
	PostProcess   PostProcess   `toml:"postprocess"`
	API           API           `toml:"api"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("batchscale.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// InputDir is the flat working directory the engine reads from.
func (c *Config) InputDir() string {
	return filepath.Join(c.Paths.WorkDir, "in")
}

// OutputDir is the working directory the engine writes into.
func (c *Config) OutputDir() string {
	return filepath.Join(c.Paths.WorkDir, "out")
}

// EnsureDirectories creates the working and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.InputDir(), c.OutputDir(), c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if dir := filepath.Dir(c.Paths.HistoryDB); strings.TrimSpace(c.Paths.HistoryDB) != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// PollInterval returns the monitor polling interval.
func (m Monitor) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMS) * time.Millisecond
}

// Backoff returns the wait between rename attempts.
func (p PostProcess) Backoff() time.Duration {
	return time.Duration(p.BackoffMS) * time.Millisecond
}

// ScanInterval returns the output directory scan interval.
func (p PostProcess) ScanInterval() time.Duration {
	return time.Duration(p.ScanIntervalMS) * time.Millisecond
}

// CopyBackoff returns the wait between staging copy attempts.
func (s Staging) CopyBackoff() time.Duration {
	return time.Duration(s.CopyBackoffMS) * time.Millisecond
}

// YieldEvery returns how much staging work runs before a cooperative pause.
func (s Staging) YieldEvery() time.Duration {
	return time.Duration(s.YieldEveryMS) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
