package config

import "runtime"

const (
	defaultConfigPath       = "~/.config/batchscale/config.toml"
	defaultWorkDir          = "~/.local/share/batchscale/work"
	defaultLogDir           = "~/.local/share/batchscale/logs"
	defaultHistoryDB        = "~/.local/share/batchscale/history.db"
	defaultLogRetentionDays = 30
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultEngineBinary     = "realesrgan-ncnn-vulkan"
	defaultEngineModel      = "realesrgan-x4plus"
	defaultEngineMode       = "single"
	defaultTempSuffix       = ".png"
	defaultOutputFormat     = "png"
	defaultConverterBinary  = "magick"
	defaultJPEGQuality      = 95
	defaultPNGCompression   = "fast"
	defaultExtensionMode    = "replace"
	defaultProgressBatch    = 20
	defaultCopyAttempts     = 2
	defaultCopyBackoffMS    = 100
	defaultYieldEveryMS     = 100
	defaultSpaceMultiplier  = 2.0
	defaultPollIntervalMS   = 500
	defaultRenameAttempts   = 20
	defaultRenameBackoffMS  = 500
	defaultScanIntervalMS   = 250
	defaultAPIBind          = ""
	defaultNtfyTimeoutSec   = 10
	engineBinaryEnv         = "BATCHSCALE_ENGINE_BINARY"
	converterBinaryEnv      = "BATCHSCALE_CONVERTER_BINARY"
	maxResizePercent        = 100
	minJPEGQuality          = 1
	maxJPEGQuality          = 100
	minSpaceMultiplier      = 1.0
)

func defaultEngineArgs() []string {
	return []string{"-i", "{input}", "-o", "{output}", "-n", "{model}"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:   defaultWorkDir,
			LogDir:    defaultLogDir,
			HistoryDB: defaultHistoryDB,
		},
		Engine: Engine{
			Binary:     defaultEngineBinary,
			Args:       defaultEngineArgs(),
			Model:      defaultEngineModel,
			Mode:       defaultEngineMode,
			TempSuffix: defaultTempSuffix,
		},
		Output: Output{
			Format:          defaultOutputFormat,
			ConverterBinary: defaultConverterBinary,
			JPEGQuality:     defaultJPEGQuality,
			PNGCompression:  defaultPNGCompression,
			ResizePercent:   maxResizePercent,
			ExtensionMode:   defaultExtensionMode,
		},
		Staging: Staging{
			ProgressBatch: defaultProgressBatch,
			CopyAttempts:  defaultCopyAttempts,
			CopyBackoffMS: defaultCopyBackoffMS,
			YieldEveryMS:  defaultYieldEveryMS,
		},
		Preflight: Preflight{
			SpaceMultiplier: defaultSpaceMultiplier,
		},
		Monitor: Monitor{
			PollIntervalMS: defaultPollIntervalMS,
		},
		PostProcess: PostProcess{
			Enabled:        true,
			MaxAttempts:    defaultRenameAttempts,
			BackoffMS:      defaultRenameBackoffMS,
			ScanIntervalMS: defaultScanIntervalMS,
			Workers:        runtime.NumCPU(),
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Notifications: Notifications{
			RequestTimeoutSec: defaultNtfyTimeoutSec,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
