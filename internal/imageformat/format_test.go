package imageformat_test

import (
	"testing"

	"batchscale/internal/imageformat"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want imageformat.Format
	}{
		{"png", imageformat.PNG},
		{" JPG ", imageformat.JPEG},
		{".jpeg", imageformat.JPEG},
		{"Same As Source", imageformat.SameAsSource},
		{"source", imageformat.SameAsSource},
		{"WebP", imageformat.WEBP},
		{"dds", imageformat.DDS},
	}
	for _, tt := range tests {
		got, err := imageformat.Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := imageformat.Parse("tiff"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestIsSupportedIgnoresCase(t *testing.T) {
	for _, name := range []string{"a.png", "b.JPG", "c.Jpeg", "d.bmp", "e.TGA", "f.webp", "g.dds", "h.GIF"} {
		if !imageformat.IsSupported(name) {
			t.Fatalf("expected %s to be supported", name)
		}
	}
	for _, name := range []string{"notes.txt", "movie.mkv", "noext", "archive.png.zip"} {
		if imageformat.IsSupported(name) {
			t.Fatalf("expected %s to be rejected", name)
		}
	}
}

func TestLabelsAndExtensions(t *testing.T) {
	if got := imageformat.WEBP.Label(); got != "Webp" {
		t.Fatalf("WEBP label = %q", got)
	}
	if got := imageformat.JPEG.Label(); got != "JPEG" {
		t.Fatalf("JPEG label = %q", got)
	}
	if got := imageformat.JPEG.Extension(); got != ".jpg" {
		t.Fatalf("JPEG extension = %q", got)
	}
	if got := imageformat.SameAsSource.Extension(); got != "" {
		t.Fatalf("SameAsSource extension = %q", got)
	}
	if f, ok := imageformat.FromExtension(".JPEG"); !ok || f != imageformat.JPEG {
		t.Fatalf("FromExtension(.JPEG) = %v, %v", f, ok)
	}
	if _, ok := imageformat.FromExtension(".txt"); ok {
		t.Fatal("expected .txt to be unknown")
	}
	if len(imageformat.All()) != 8 {
		t.Fatalf("expected 8 formats, got %d", len(imageformat.All()))
	}
}
