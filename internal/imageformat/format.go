// Package imageformat enumerates the output formats the post-processing queue
// can produce and the input extensions staging accepts.
package imageformat

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Format is the closed set of post-processing targets.
type Format int

const (
	// SameAsSource writes the output back in the input's original format.
	SameAsSource Format = iota
	PNG
	JPEG
	WEBP
	BMP
	TGA
	DDS
	GIF
)

var names = [...]string{
	SameAsSource: "same",
	PNG:          "png",
	JPEG:         "jpeg",
	WEBP:         "webp",
	BMP:          "bmp",
	TGA:          "tga",
	DDS:          "dds",
	GIF:          "gif",
}

var extensions = [...]string{
	SameAsSource: "",
	PNG:          ".png",
	JPEG:         ".jpg",
	WEBP:         ".webp",
	BMP:          ".bmp",
	TGA:          ".tga",
	DDS:          ".dds",
	GIF:          ".gif",
}

var aliases = map[string]Format{
	"same":           SameAsSource,
	"source":         SameAsSource,
	"same-as-source": SameAsSource,
	"sameassource":   SameAsSource,
	"png":            PNG,
	"jpg":            JPEG,
	"jpeg":           JPEG,
	"webp":           WEBP,
	"bmp":            BMP,
	"tga":            TGA,
	"dds":            DDS,
	"gif":            GIF,
}

// supported lists the input extensions staging accepts, lowercase with dot.
var supported = []string{".png", ".jpg", ".jpeg", ".bmp", ".tga", ".webp", ".dds", ".gif"}

// All returns every format in declaration order.
func All() []Format {
	return []Format{SameAsSource, PNG, JPEG, WEBP, BMP, TGA, DDS, GIF}
}

// Parse resolves a user-supplied format name. Matching ignores case, dots and
// surrounding whitespace.
func Parse(value string) (Format, error) {
	key := strings.ToLower(strings.TrimSpace(value))
	key = strings.TrimPrefix(key, ".")
	key = strings.ReplaceAll(key, " ", "-")
	if f, ok := aliases[key]; ok {
		return f, nil
	}
	return SameAsSource, fmt.Errorf("unknown output format %q", value)
}

// Valid reports whether f is one of the declared formats.
func (f Format) Valid() bool {
	return f >= SameAsSource && f <= GIF
}

// String returns the canonical lowercase name.
func (f Format) String() string {
	if !f.Valid() {
		return fmt.Sprintf("format(%d)", int(f))
	}
	return names[f]
}

// Label returns a display name for tables and summaries.
func (f Format) Label() string {
	if f == SameAsSource {
		return "Same As Source"
	}
	if !f.Valid() {
		return f.String()
	}
	if f == JPEG || f == PNG || f == BMP || f == TGA || f == DDS || f == GIF {
		return strings.ToUpper(names[f])
	}
	return cases.Title(language.Und).String(names[f])
}

// Extension returns the file extension (with dot) written for f. SameAsSource
// has no fixed extension.
func (f Format) Extension() string {
	if !f.Valid() {
		return ""
	}
	return extensions[f]
}

// FromExtension maps an extension (with or without dot, any case) to a format.
func FromExtension(ext string) (Format, bool) {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" {
		return SameAsSource, false
	}
	f, ok := aliases[ext]
	if !ok || f == SameAsSource {
		return SameAsSource, false
	}
	return f, true
}

// SupportedExtensions returns a copy of the accepted input extensions.
func SupportedExtensions() []string {
	out := make([]string, len(supported))
	copy(out, supported)
	return out
}

// IsSupported reports whether path has an accepted input extension. The
// comparison is case-insensitive.
func IsSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, candidate := range supported {
		if ext == candidate {
			return true
		}
	}
	return false
}
