package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"batchscale/internal/imageformat"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateOutput(); err != nil {
		return err
	}
	if err := c.validateTiming(); err != nil {
		return err
	}
	if c.Preflight.SpaceMultiplier < minSpaceMultiplier {
		return fmt.Errorf("preflight.space_multiplier must be at least %.1f", minSpaceMultiplier)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		return errors.New("paths.work_dir must be set")
	}
	if c.Output.Dir != "" {
		if err := c.CheckOutputDir(c.Output.Dir); err != nil {
			return fmt.Errorf("output.dir: %w", err)
		}
	}
	return nil
}

// CheckOutputDir rejects a destination at or under paths.work_dir. The
// engine's output folder lives there and is cleared at the start of every
// run, and finished files placed inside it would be scanned again.
func (c *Config) CheckOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" || strings.TrimSpace(c.Paths.WorkDir) == "" {
		return nil
	}
	if withinDir(c.Paths.WorkDir, dir) {
		return fmt.Errorf("%s is inside paths.work_dir %s", dir, c.Paths.WorkDir)
	}
	return nil
}

func withinDir(parent, child string) bool {
	parentAbs, err := filepath.Abs(parent)
	if err != nil {
		return false
	}
	childAbs, err := filepath.Abs(child)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(parentAbs, childAbs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (c *Config) validateEngine() error {
	if c.Engine.Binary == "" {
		return fmt.Errorf("engine.binary is required. Set %s or edit the config (create with 'batchscale config init')", engineBinaryEnv)
	}
	switch c.Engine.Mode {
	case "single", "interp", "chain":
	default:
		return fmt.Errorf("engine.mode: unsupported value %q (want single, interp, or chain)", c.Engine.Mode)
	}
	hasInput, hasOutput := false, false
	for _, arg := range c.Engine.Args {
		hasInput = hasInput || strings.Contains(arg, "{input}")
		hasOutput = hasOutput || strings.Contains(arg, "{output}")
	}
	if !hasInput || !hasOutput {
		return errors.New("engine.args must reference both {input} and {output}")
	}
	return nil
}

func (c *Config) validateOutput() error {
	if _, err := imageformat.Parse(c.Output.Format); err != nil {
		return fmt.Errorf("output.format: %w", err)
	}
	if c.Output.JPEGQuality < minJPEGQuality || c.Output.JPEGQuality > maxJPEGQuality {
		return fmt.Errorf("output.jpeg_quality must be between %d and %d", minJPEGQuality, maxJPEGQuality)
	}
	switch c.Output.PNGCompression {
	case "fast", "best":
	default:
		return fmt.Errorf("output.png_compression: unsupported value %q (want fast or best)", c.Output.PNGCompression)
	}
	if c.Output.ResizePercent < 1 || c.Output.ResizePercent > maxResizePercent {
		return fmt.Errorf("output.resize_percent must be between 1 and %d", maxResizePercent)
	}
	switch c.Output.ExtensionMode {
	case "replace", "keep":
	default:
		return fmt.Errorf("output.extension_mode: unsupported value %q (want replace or keep)", c.Output.ExtensionMode)
	}
	return nil
}

func (c *Config) validateTiming() error {
	return ensurePositiveMap(map[string]int{
		"monitor.poll_interval_ms":     c.Monitor.PollIntervalMS,
		"postprocess.max_attempts":     c.PostProcess.MaxAttempts,
		"postprocess.backoff_ms":       c.PostProcess.BackoffMS,
		"postprocess.scan_interval_ms": c.PostProcess.ScanIntervalMS,
		"postprocess.workers":          c.PostProcess.Workers,
		"staging.progress_batch":       c.Staging.ProgressBatch,
		"staging.copy_attempts":        c.Staging.CopyAttempts,
	})
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
