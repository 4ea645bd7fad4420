package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"batchscale/internal/fileutil"
	"batchscale/internal/logging"
	"batchscale/internal/services"
)

const stageName = "preflight"

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// SpaceCheck is the outcome of a disk-space estimate.
type SpaceCheck struct {
	Sufficient bool
	Required   uint64
	Available  uint64
	InputBytes int64
	Mount      string
	// Err holds a query failure. The check then reports Sufficient so the
	// run proceeds.
	Err error
}

// AbortError returns the user-facing resource error for an insufficient
// check, or nil.
func (c SpaceCheck) AbortError() error {
	if c.Sufficient {
		return nil
	}
	short := c.Required - c.Available
	return services.Wrap(services.ErrResource, stageName, "disk space",
		fmt.Sprintf("Not enough free space on %s: need %s, %s available (short by %s)",
			c.Mount, humanize.Bytes(c.Required), humanize.Bytes(c.Available), humanize.Bytes(short)),
		nil)
}

// Checker estimates whether a run's output fits on disk.
type Checker struct {
	multiplier float64
	logger     *slog.Logger
	statfs     statfsFunc
	dirSize    func(string) (int64, error)
	mount      func(string) (string, error)
}

// NewChecker constructs a Checker that requires multiplier times the staged
// input size to be free.
func NewChecker(multiplier float64, logger *slog.Logger) *Checker {
	if multiplier <= 0 {
		multiplier = 1
	}
	return &Checker{
		multiplier: multiplier,
		logger:     logging.NewComponentLogger(logger, stageName),
		statfs:     realStatfs,
		dirSize:    fileutil.DirSize,
		mount:      MountPoint,
	}
}

// CheckDiskSpace sizes inputDir and compares multiplier times that against
// free space on the filesystem that will hold outputPath.
func (c *Checker) CheckDiskSpace(ctx context.Context, inputDir, outputPath string) SpaceCheck {
	logger := logging.WithContext(ctx, c.logger)

	size, err := c.dirSize(inputDir)
	if err != nil {
		return c.failOpen(logger, SpaceCheck{}, "size staged input", err)
	}
	check := SpaceCheck{
		InputBytes: size,
		Required:   uint64(math.Ceil(float64(size) * c.multiplier)),
	}

	mount, err := c.mount(outputPath)
	if err != nil {
		return c.failOpen(logger, check, "resolve mount", err)
	}
	check.Mount = mount

	_, free, err := c.statfs(mount)
	if err != nil {
		return c.failOpen(logger, check, "query free space", err)
	}
	check.Available = free
	check.Sufficient = free >= check.Required

	attrs := []logging.Attr{
		logging.String("mount", mount),
		logging.String("required", humanize.Bytes(check.Required)),
		logging.String("available", humanize.Bytes(free)),
		logging.Float64("multiplier", c.multiplier),
	}
	if check.Sufficient {
		logger.Info("disk space sufficient", logging.Args(append(attrs,
			logging.String(logging.FieldEventType, "disk_space_ok"))...)...)
	} else {
		logging.ErrorWithContext(logger, "insufficient disk space; run aborted", "disk_space_insufficient",
			append(attrs, logging.String(logging.FieldErrorHint, "free space on "+mount+" or choose another output directory"))...)
	}
	return check
}

func (c *Checker) failOpen(logger *slog.Logger, check SpaceCheck, operation string, err error) SpaceCheck {
	check.Sufficient = true
	check.Err = services.Wrap(services.ErrDiagnostic, stageName, operation, "Disk space could not be determined", err)
	logging.WarnWithContext(logger, "disk space check failed; continuing", "disk_space_unknown",
		logging.Error(check.Err),
		logging.String(logging.FieldErrorHint, "verify the output path is on a mounted filesystem"),
		logging.String(logging.FieldImpact, "run may fail later if the disk fills up"),
	)
	return check
}

// MountPoint resolves the mount point of the filesystem that holds path. The
// path need not exist yet; its nearest existing ancestor is used.
func MountPoint(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	current := nearestExisting(abs)
	var st unix.Stat_t
	if err := unix.Stat(current, &st); err != nil {
		return "", fmt.Errorf("stat %s: %w", current, err)
	}
	dev := st.Dev
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return current, nil
		}
		var pst unix.Stat_t
		if err := unix.Stat(parent, &pst); err != nil {
			return current, nil
		}
		if pst.Dev != dev {
			return current, nil
		}
		current = parent
	}
}

func nearestExisting(path string) string {
	current := filepath.Clean(path)
	for {
		if _, err := os.Stat(current); err == nil {
			return current
		} else if !errors.Is(err, os.ErrNotExist) {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return current
		}
		current = parent
	}
}

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	bsize := uint64(stat.Bsize)
	return stat.Blocks * bsize, stat.Bavail * bsize, nil
}
