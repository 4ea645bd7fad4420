package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"batchscale/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantWork := filepath.Join(tempHome, ".local", "share", "batchscale", "work")
	if cfg.Paths.WorkDir != wantWork {
		t.Fatalf("unexpected work dir: got %q want %q", cfg.Paths.WorkDir, wantWork)
	}
	if cfg.InputDir() != filepath.Join(wantWork, "in") || cfg.OutputDir() != filepath.Join(wantWork, "out") {
		t.Fatalf("unexpected working sub-directories: %q %q", cfg.InputDir(), cfg.OutputDir())
	}
	if cfg.Engine.TempSuffix != ".png" {
		t.Fatalf("expected .png temp suffix, got %q", cfg.Engine.TempSuffix)
	}
	if cfg.Preflight.SpaceMultiplier != 2.0 {
		t.Fatalf("expected space multiplier 2.0, got %v", cfg.Preflight.SpaceMultiplier)
	}
	if cfg.PostProcess.MaxAttempts != 20 || cfg.PostProcess.BackoffMS != 500 {
		t.Fatalf("unexpected rename retry policy: %d x %dms", cfg.PostProcess.MaxAttempts, cfg.PostProcess.BackoffMS)
	}
	if cfg.Monitor.PollIntervalMS != 500 {
		t.Fatalf("unexpected poll interval: %d", cfg.Monitor.PollIntervalMS)
	}
	if cfg.Staging.ProgressBatch != 20 {
		t.Fatalf("unexpected progress batch: %d", cfg.Staging.ProgressBatch)
	}
	if cfg.PostProcess.Workers != runtime.NumCPU() {
		t.Fatalf("expected workers to default to NumCPU, got %d", cfg.PostProcess.Workers)
	}
	if cfg.API.Bind != "" {
		t.Fatalf("expected API disabled by default, got %q", cfg.API.Bind)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.WorkDir, cfg.InputDir(), cfg.OutputDir(), cfg.Paths.LogDir, filepath.Dir(cfg.Paths.HistoryDB)} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "batchscale.toml")

	type payload struct {
		Paths struct {
			WorkDir string `toml:"work_dir"`
		} `toml:"paths"`
		Engine struct {
			TempSuffix string `toml:"temp_suffix"`
			Mode       string `toml:"mode"`
		} `toml:"engine"`
		Output struct {
			Format string `toml:"format"`
		} `toml:"output"`
		PostProcess struct {
			MaxAttempts int `toml:"max_attempts"`
			Workers     int `toml:"workers"`
		} `toml:"postprocess"`
	}
	custom := payload{}
	custom.Paths.WorkDir = filepath.Join(tempDir, "work")
	custom.Engine.TempSuffix = "TMP"
	custom.Engine.Mode = "Chain"
	custom.Output.Format = "JPG"
	custom.PostProcess.MaxAttempts = 5
	custom.PostProcess.Workers = 3
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Paths.WorkDir != custom.Paths.WorkDir {
		t.Fatalf("expected work dir from file, got %q", cfg.Paths.WorkDir)
	}
	if cfg.Engine.TempSuffix != ".tmp" {
		t.Fatalf("expected normalized temp suffix .tmp, got %q", cfg.Engine.TempSuffix)
	}
	if cfg.Engine.Mode != "chain" {
		t.Fatalf("expected lowercased mode, got %q", cfg.Engine.Mode)
	}
	if cfg.Output.Format != "jpg" {
		t.Fatalf("expected lowercased format, got %q", cfg.Output.Format)
	}
	if cfg.PostProcess.MaxAttempts != 5 || cfg.PostProcess.Workers != 3 {
		t.Fatalf("unexpected postprocess overrides: %+v", cfg.PostProcess)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "batchscale.toml")
	if err := os.WriteFile(configPath, []byte("[engine]\nbinnary = \"x\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestEngineBinaryEnvOverridesConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "batchscale.toml")
	if err := os.WriteFile(configPath, []byte("[engine]\nbinary = \"from-file\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BATCHSCALE_ENGINE_BINARY", "/opt/engine/bin/upscale")
	t.Setenv("BATCHSCALE_CONVERTER_BINARY", "convert")

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Engine.Binary != "/opt/engine/bin/upscale" {
		t.Errorf("expected engine binary from env, got %q", cfg.Engine.Binary)
	}
	if cfg.Output.ConverterBinary != "convert" {
		t.Errorf("expected converter binary from env, got %q", cfg.Output.ConverterBinary)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "temp_suffix") {
		t.Fatalf("sample config missing temp_suffix: %s", contents)
	}

	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if !strings.Contains(cfg.Paths.WorkDir, "batchscale") {
		t.Fatalf("expected work dir to contain batchscale, got %q", cfg.Paths.WorkDir)
	}

	loaded, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config should load cleanly: %v", err)
	}
	if !exists || loaded.Output.Format != "png" {
		t.Fatalf("unexpected sample load result: exists=%v format=%q", exists, loaded.Output.Format)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown format", func(c *config.Config) { c.Output.Format = "tiff" }},
		{"zero poll interval", func(c *config.Config) { c.Monitor.PollIntervalMS = 0 }},
		{"zero rename attempts", func(c *config.Config) { c.PostProcess.MaxAttempts = 0 }},
		{"multiplier below one", func(c *config.Config) { c.Preflight.SpaceMultiplier = 0.5 }},
		{"jpeg quality out of range", func(c *config.Config) { c.Output.JPEGQuality = 101 }},
		{"resize out of range", func(c *config.Config) { c.Output.ResizePercent = 150 }},
		{"bad png compression", func(c *config.Config) { c.Output.PNGCompression = "ultra" }},
		{"bad extension mode", func(c *config.Config) { c.Output.ExtensionMode = "merge" }},
		{"bad engine mode", func(c *config.Config) { c.Engine.Mode = "ensemble" }},
		{"args missing output", func(c *config.Config) { c.Engine.Args = []string{"{input}"} }},
		{"output equals work dir", func(c *config.Config) { c.Output.Dir = c.Paths.WorkDir }},
		{"output inside engine output", func(c *config.Config) { c.Output.Dir = filepath.Join(c.OutputDir(), "final") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestCheckOutputDir(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.WorkDir = filepath.Join(t.TempDir(), "work")

	rejected := []string{
		cfg.Paths.WorkDir,
		cfg.OutputDir(),
		filepath.Join(cfg.InputDir(), "nested"),
		cfg.Paths.WorkDir + string(filepath.Separator),
	}
	for _, dir := range rejected {
		if err := cfg.CheckOutputDir(dir); err == nil {
			t.Errorf("CheckOutputDir(%q) should fail", dir)
		}
	}

	allowed := []string{
		cfg.Paths.WorkDir + "-final",
		filepath.Dir(cfg.Paths.WorkDir),
		filepath.Join(filepath.Dir(cfg.Paths.WorkDir), "output"),
	}
	for _, dir := range allowed {
		if err := cfg.CheckOutputDir(dir); err != nil {
			t.Errorf("CheckOutputDir(%q): %v", dir, err)
		}
	}
}
