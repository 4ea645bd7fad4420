package codec

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"batchscale/internal/imageformat"
	"batchscale/internal/services"
)

// Handler writes one image in a single output format.
type Handler interface {
	Format() imageformat.Format
	// Write reads src and writes dst. A resizePercent between 1 and 99
	// downscales the image first.
	Write(ctx context.Context, src, dst string, resizePercent int) error
}

type pngHandler struct{ best bool }

func (pngHandler) Format() imageformat.Format { return imageformat.PNG }

func (h pngHandler) Write(_ context.Context, src, dst string, resizePercent int) error {
	level := png.BestSpeed
	if h.best {
		level = png.BestCompression
	}
	enc := png.Encoder{CompressionLevel: level}
	return transcode(src, dst, resizePercent, func(w io.Writer, img image.Image) error {
		return enc.Encode(w, img)
	})
}

type jpegHandler struct{ quality int }

func (jpegHandler) Format() imageformat.Format { return imageformat.JPEG }

func (h jpegHandler) Write(_ context.Context, src, dst string, resizePercent int) error {
	return transcode(src, dst, resizePercent, func(w io.Writer, img image.Image) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: h.quality})
	})
}

type gifHandler struct{}

func (gifHandler) Format() imageformat.Format { return imageformat.GIF }

func (gifHandler) Write(_ context.Context, src, dst string, resizePercent int) error {
	return transcode(src, dst, resizePercent, func(w io.Writer, img image.Image) error {
		return gif.Encode(w, img, &gif.Options{NumColors: 256})
	})
}

type bmpHandler struct{}

func (bmpHandler) Format() imageformat.Format { return imageformat.BMP }

func (bmpHandler) Write(_ context.Context, src, dst string, resizePercent int) error {
	return transcode(src, dst, resizePercent, bmp.Encode)
}

// externalHandler shells out for formats without a Go encoder.
type externalHandler struct {
	format  imageformat.Format
	binary  string
	quality int
	run     commandRunner
}

func (h externalHandler) Format() imageformat.Format { return h.format }

func (h externalHandler) Write(ctx context.Context, src, dst string, resizePercent int) error {
	partial := partialPath(dst)
	args := []string{src}
	if resizePercent > 0 && resizePercent < 100 {
		args = append(args, "-resize", strconv.Itoa(resizePercent)+"%")
	}
	switch h.format {
	case imageformat.WEBP:
		args = append(args, "-quality", strconv.Itoa(h.quality))
	case imageformat.DDS:
		args = append(args, "-define", "dds:compression=dxt5")
	}
	args = append(args, partial)
	if err := h.run(ctx, h.binary, args...); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("%s: %w", h.binary, err)
	}
	return os.Rename(partial, dst)
}

// Decode reads any supported input image.
func Decode(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return image.Decode(bufio.NewReader(f))
}

// Scale resizes img to percent of its size with Catmull-Rom resampling.
func Scale(img image.Image, percent int) image.Image {
	if percent <= 0 || percent >= 100 {
		return img
	}
	b := img.Bounds()
	w := max(1, b.Dx()*percent/100)
	h := max(1, b.Dy()*percent/100)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func transcode(src, dst string, resizePercent int, encode func(io.Writer, image.Image) error) error {
	img, _, err := Decode(src)
	if err != nil {
		return fmt.Errorf("decode: %w: %w", services.ErrUnreadable, err)
	}
	img = Scale(img, resizePercent)

	partial := partialPath(dst)
	out, err := os.Create(partial)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	if err := encode(w, img); err != nil {
		out.Close()
		_ = os.Remove(partial)
		return fmt.Errorf("encode: %w", err)
	}
	if err := w.Flush(); err != nil {
		out.Close()
		_ = os.Remove(partial)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(partial)
		return err
	}
	return os.Rename(partial, dst)
}

// partialPath keeps the extension so external tools still infer the format.
func partialPath(dst string) string {
	return filepath.Join(filepath.Dir(dst), ".partial-"+filepath.Base(dst))
}
