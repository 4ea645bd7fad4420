package codec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"batchscale/internal/config"
	"batchscale/internal/imageformat"
	"batchscale/internal/logging"
	"batchscale/internal/services"
)

// ExtensionMode controls how the output file name is derived.
type ExtensionMode int

const (
	// ExtensionReplace swaps the existing extension for the format's one.
	ExtensionReplace ExtensionMode = iota
	// ExtensionKeep appends the format's extension to the full name.
	ExtensionKeep
)

// ParseExtensionMode parses "replace" or "keep".
func ParseExtensionMode(value string) (ExtensionMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "replace":
		return ExtensionReplace, nil
	case "keep":
		return ExtensionKeep, nil
	default:
		return ExtensionReplace, fmt.Errorf("unknown extension mode %q", value)
	}
}

func (m ExtensionMode) String() string {
	if m == ExtensionKeep {
		return "keep"
	}
	return "replace"
}

type commandRunner func(ctx context.Context, name string, args ...string) error

// Options configures a Converter.
type Options struct {
	Format          imageformat.Format
	ExtensionMode   ExtensionMode
	JPEGQuality     int
	BestCompression bool
	ResizePercent   int
	ConverterBinary string
	Logger          *slog.Logger
}

// Option customizes a Converter.
type Option func(*Converter)

// WithCommandRunner injects the runner used for external conversions.
func WithCommandRunner(r commandRunner) Option {
	return func(c *Converter) {
		if r != nil {
			c.run = r
		}
	}
}

// Converter writes finished images in the configured format.
type Converter struct {
	opts    Options
	handler Handler
	byExt   map[string]Handler
	run     commandRunner
	logger  *slog.Logger
}

// New builds a Converter and selects its handler.
func New(opts Options, options ...Option) (*Converter, error) {
	if !opts.Format.Valid() {
		return nil, services.Wrap(services.ErrConfiguration, "codec", "select handler", fmt.Sprintf("unsupported format %s", opts.Format), nil)
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 95
	}
	if opts.ConverterBinary == "" {
		opts.ConverterBinary = "magick"
	}
	c := &Converter{
		opts:   opts,
		run:    defaultCommandRunner,
		logger: logging.NewComponentLogger(opts.Logger, "codec"),
	}
	for _, option := range options {
		option(c)
	}

	if opts.Format == imageformat.SameAsSource {
		c.byExt = make(map[string]Handler)
		for _, ext := range imageformat.SupportedExtensions() {
			f, ok := imageformat.FromExtension(ext)
			if !ok {
				continue
			}
			c.byExt[ext] = c.handlerFor(f)
		}
	} else {
		c.handler = c.handlerFor(opts.Format)
	}
	return c, nil
}

// OptionsFromConfig maps the [output] section to Options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) (Options, error) {
	format, err := imageformat.Parse(cfg.Output.Format)
	if err != nil {
		return Options{}, services.Wrap(services.ErrConfiguration, "codec", "parse format", "", err)
	}
	mode, err := ParseExtensionMode(cfg.Output.ExtensionMode)
	if err != nil {
		return Options{}, services.Wrap(services.ErrConfiguration, "codec", "parse extension mode", "", err)
	}
	return Options{
		Format:          format,
		ExtensionMode:   mode,
		JPEGQuality:     cfg.Output.JPEGQuality,
		BestCompression: strings.EqualFold(cfg.Output.PNGCompression, "best"),
		ResizePercent:   cfg.Output.ResizePercent,
		ConverterBinary: cfg.Output.ConverterBinary,
		Logger:          logger,
	}, nil
}

// FromConfig builds a Converter from the [output] section.
func FromConfig(cfg *config.Config, logger *slog.Logger, options ...Option) (*Converter, error) {
	opts, err := OptionsFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(opts, options...)
}

// Format reports the configured output format.
func (c *Converter) Format() imageformat.Format {
	return c.opts.Format
}

// Convert encodes src into destDir and removes src on success. The returned
// path is the written file. When resize is false the configured downscale is
// skipped.
func (c *Converter) Convert(ctx context.Context, src, destDir string, resize bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handler, dst, err := c.plan(src, destDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", services.Wrap(services.ErrConversion, "postprocess", "create output dir", destDir, err)
	}

	percent := 0
	if resize {
		percent = c.opts.ResizePercent
	}
	if err := handler.Write(ctx, src, dst, percent); err != nil {
		return "", services.Wrap(services.ErrConversion, "postprocess", "convert",
			fmt.Sprintf("%s to %s", filepath.Base(src), handler.Format().Label()), err)
	}
	if dst != src {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			c.logger.Debug("remove converted source failed", logging.Path(src), logging.Error(err))
		}
	}
	c.logger.Debug("image converted",
		logging.Path(dst),
		logging.String("format", handler.Format().String()),
		logging.Int("resize_percent", percent),
	)
	return dst, nil
}

// plan resolves the handler and destination path for src.
func (c *Converter) plan(src, destDir string) (Handler, string, error) {
	name := filepath.Base(src)
	ext := filepath.Ext(name)
	if c.handler == nil {
		handler, ok := c.byExt[strings.ToLower(ext)]
		if !ok {
			return nil, "", services.Wrap(services.ErrConversion, "postprocess", "resolve source format",
				fmt.Sprintf("no original extension on %s", name), nil)
		}
		return handler, filepath.Join(destDir, name), nil
	}
	return c.handler, filepath.Join(destDir, OutputName(name, c.handler.Format().Extension(), c.opts.ExtensionMode)), nil
}

// OutputName derives the file name written for name with extension ext.
func OutputName(name, ext string, mode ExtensionMode) string {
	current := filepath.Ext(name)
	if ext == "" || strings.EqualFold(current, ext) {
		return name
	}
	// .jpeg and .jpg are the same format.
	if f, ok := imageformat.FromExtension(current); ok && f.Extension() == ext {
		return name
	}
	if mode == ExtensionKeep {
		return name + ext
	}
	return strings.TrimSuffix(name, current) + ext
}

func (c *Converter) handlerFor(f imageformat.Format) Handler {
	switch f {
	case imageformat.PNG:
		return pngHandler{best: c.opts.BestCompression}
	case imageformat.JPEG:
		return jpegHandler{quality: c.opts.JPEGQuality}
	case imageformat.GIF:
		return gifHandler{}
	case imageformat.BMP:
		return bmpHandler{}
	default:
		return externalHandler{
			format:  f,
			binary:  c.opts.ConverterBinary,
			quality: c.opts.JPEGQuality,
			run:     c.run,
		}
	}
}

func defaultCommandRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
