package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrResource      = errors.New("insufficient resources")
	ErrTransient     = errors.New("transient failure")
	ErrConversion    = errors.New("conversion error")
	ErrStaging       = errors.New("staging error")
	ErrDiagnostic    = errors.New("diagnostic error")
	ErrExternalTool  = errors.New("external tool error")
	ErrConfiguration = errors.New("configuration error")
	// ErrUnreadable marks an image that could not be decoded. A file the
	// engine is still writing fails this way too, so callers may retry.
	ErrUnreadable    = errors.New("unreadable image")
)

// Failure kinds recorded against individual files in a run result.
const (
	KindRename     = "rename"
	KindConversion = "conversion"
	KindStaging    = "staging"
	KindPlacement  = "placement"
	KindUnknown    = "unknown"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// FailureKind maps a per-file error to the failure kind stored in run results.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTransient):
		return KindRename
	case errors.Is(err, ErrConversion):
		return KindConversion
	case errors.Is(err, ErrStaging):
		return KindStaging
	default:
		return KindUnknown
	}
}

// IsFatal reports whether an error must abort the whole run rather than stay
// local to one file.
func IsFatal(err error) bool {
	return errors.Is(err, ErrResource) ||
		errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrExternalTool)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
