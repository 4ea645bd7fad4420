package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeEngine(); err != nil {
		return err
	}
	c.normalizeOutput()
	c.normalizeStaging()
	c.normalizePostProcess()
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSec <= 0 {
		c.Notifications.RequestTimeoutSec = defaultNtfyTimeoutSec
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.HistoryDB, err = expandPath(c.Paths.HistoryDB); err != nil {
		return fmt.Errorf("paths.history_db: %w", err)
	}
	if c.Output.Dir, err = expandPath(strings.TrimSpace(c.Output.Dir)); err != nil {
		return fmt.Errorf("output.dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeEngine() error {
	c.Engine.Binary = strings.TrimSpace(c.Engine.Binary)
	if value, ok := os.LookupEnv(engineBinaryEnv); ok && strings.TrimSpace(value) != "" {
		c.Engine.Binary = strings.TrimSpace(value)
	}
	if c.Engine.Binary == "" {
		c.Engine.Binary = defaultEngineBinary
	}
	if len(c.Engine.Args) == 0 {
		c.Engine.Args = defaultEngineArgs()
	}
	c.Engine.Model = strings.TrimSpace(c.Engine.Model)
	c.Engine.Mode = strings.ToLower(strings.TrimSpace(c.Engine.Mode))
	if c.Engine.Mode == "" {
		c.Engine.Mode = defaultEngineMode
	}
	if strings.TrimSpace(c.Engine.ModelPath) != "" {
		var err error
		if c.Engine.ModelPath, err = expandPath(c.Engine.ModelPath); err != nil {
			return fmt.Errorf("engine.model_path: %w", err)
		}
	}
	c.Engine.TempSuffix = strings.TrimSpace(c.Engine.TempSuffix)
	if c.Engine.TempSuffix == "" {
		c.Engine.TempSuffix = defaultTempSuffix
	}
	if !strings.HasPrefix(c.Engine.TempSuffix, ".") {
		c.Engine.TempSuffix = "." + c.Engine.TempSuffix
	}
	c.Engine.TempSuffix = strings.ToLower(c.Engine.TempSuffix)
	return nil
}

func (c *Config) normalizeOutput() {
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	if c.Output.Format == "" {
		c.Output.Format = defaultOutputFormat
	}
	c.Output.ConverterBinary = strings.TrimSpace(c.Output.ConverterBinary)
	if value, ok := os.LookupEnv(converterBinaryEnv); ok && strings.TrimSpace(value) != "" {
		c.Output.ConverterBinary = strings.TrimSpace(value)
	}
	if c.Output.ConverterBinary == "" {
		c.Output.ConverterBinary = defaultConverterBinary
	}
	if c.Output.JPEGQuality == 0 {
		c.Output.JPEGQuality = defaultJPEGQuality
	}
	c.Output.PNGCompression = strings.ToLower(strings.TrimSpace(c.Output.PNGCompression))
	if c.Output.PNGCompression == "" {
		c.Output.PNGCompression = defaultPNGCompression
	}
	if c.Output.ResizePercent == 0 {
		c.Output.ResizePercent = maxResizePercent
	}
	c.Output.ExtensionMode = strings.ToLower(strings.TrimSpace(c.Output.ExtensionMode))
	if c.Output.ExtensionMode == "" {
		c.Output.ExtensionMode = defaultExtensionMode
	}
}

func (c *Config) normalizeStaging() {
	if c.Staging.ProgressBatch <= 0 {
		c.Staging.ProgressBatch = defaultProgressBatch
	}
	if c.Staging.CopyAttempts <= 0 {
		c.Staging.CopyAttempts = defaultCopyAttempts
	}
	if c.Staging.CopyBackoffMS < 0 {
		c.Staging.CopyBackoffMS = 0
	}
	if c.Staging.YieldEveryMS < 0 {
		c.Staging.YieldEveryMS = 0
	}
}

func (c *Config) normalizePostProcess() {
	if c.PostProcess.Workers <= 0 {
		c.PostProcess.Workers = runtime.NumCPU()
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
