package preflight

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"batchscale/internal/config"
	"batchscale/internal/deps"
	"batchscale/internal/imageformat"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes the readiness checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	results = append(results, CheckDirectoryAccess("Working directory", cfg.Paths.WorkDir))
	if cfg.Output.Dir != "" {
		results = append(results, CheckDirectoryAccess("Output directory", nearestExisting(cfg.Output.Dir)))
	}

	for _, status := range CheckSystemDeps(cfg) {
		result := Result{Name: status.Name, Passed: status.Available || status.Optional}
		switch {
		case status.Available:
			result.Detail = status.Path
		case status.Optional:
			result.Detail = status.Detail + " (optional)"
		default:
			result.Detail = status.Detail
		}
		results = append(results, result)
	}

	target := cfg.Output.Dir
	if target == "" {
		target = cfg.OutputDir()
	}
	results = append(results, CheckFreeSpace(ctx, target))
	return results
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSystemDeps evaluates the external executables a run needs. The
// converter is only required when the configured output format cannot be
// encoded in-process.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	format, err := imageformat.Parse(cfg.Output.Format)
	converterOptional := err != nil || !NeedsConverter(format)
	return deps.CheckBinaries([]deps.Requirement{
		{
			Name:        "Upscaler",
			Command:     cfg.Engine.Binary,
			Description: "Runs the super-resolution model",
		},
		{
			Name:        "Converter",
			Command:     cfg.Output.ConverterBinary,
			Description: "Encodes WEBP, TGA and DDS outputs",
			Optional:    converterOptional || !cfg.PostProcess.Enabled,
		},
	})
}

// NeedsConverter reports whether format is produced by the external converter.
func NeedsConverter(format imageformat.Format) bool {
	switch format {
	case imageformat.WEBP, imageformat.TGA, imageformat.DDS:
		return true
	default:
		return false
	}
}

// CheckFreeSpace reports free space on the filesystem holding path.
func CheckFreeSpace(_ context.Context, path string) Result {
	const name = "Free space"
	mount, err := MountPoint(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	total, free, err := realStatfs(mount)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", mount, err)}
	}
	return Result{
		Name:   name,
		Passed: free > 0,
		Detail: fmt.Sprintf("%s free of %s on %s", humanize.Bytes(free), humanize.Bytes(total), mount),
	}
}
