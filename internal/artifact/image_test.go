package artifact

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackzampolin/storybook/internal/types"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: 120, B: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func TestPageSize(t *testing.T) {
	w, h, err := PageSize(types.TrimLetter)
	if err != nil {
		t.Fatalf("PageSize() error = %v", err)
	}
	if w != 2550 || h != 3300 {
		t.Errorf("PageSize(letter) = %dx%d, want 2550x3300", w, h)
	}
	if _, _, err := PageSize("4x6"); err == nil {
		t.Error("PageSize(4x6) expected error")
	}
}

func TestPrepareIllustrationFillsPage(t *testing.T) {
	img, err := PrepareIllustration(testPNG(t, 64, 64), types.TrimSquare, types.BookTypeStory)
	if err != nil {
		t.Fatalf("PrepareIllustration() error = %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 2550 || b.Dy() != 2550 {
		t.Errorf("bounds = %v, want 2550x2550", b)
	}
}

func TestLineArtIsBlackAndWhite(t *testing.T) {
	src, err := PrepareIllustration(testPNG(t, 32, 32), types.TrimSquare, types.BookTypeColoring)
	if err != nil {
		t.Fatalf("PrepareIllustration() error = %v", err)
	}
	b := src.Bounds()
	for _, pt := range []image.Point{{0, 0}, {b.Dx() / 2, b.Dy() / 2}, {b.Dx() - 1, b.Dy() - 1}} {
		r, g, bl, _ := src.At(pt.X, pt.Y).RGBA()
		if (r != 0 && r != 0xffff) || r != g || g != bl {
			t.Errorf("pixel %v = (%d,%d,%d), want pure black or white", pt, r, g, bl)
		}
	}
}

func TestSaveIllustrationWritesThumbnail(t *testing.T) {
	dir := t.TempDir()
	img, err := PrepareIllustration(testPNG(t, 16, 16), types.TrimSquare, types.BookTypeStory)
	if err != nil {
		t.Fatalf("PrepareIllustration() error = %v", err)
	}
	path := filepath.Join(dir, "pages", "page-001.png")
	thumb, err := SaveIllustration(img, path)
	if err != nil {
		t.Fatalf("SaveIllustration() error = %v", err)
	}
	for _, p := range []string{path, thumb} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}
}

func TestInspectPDFRejectsGarbage(t *testing.T) {
	if _, err := InspectPDFBytes([]byte("not a pdf")); err == nil {
		t.Error("InspectPDFBytes() expected error for garbage input")
	}
}
