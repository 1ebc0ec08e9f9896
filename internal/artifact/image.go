package artifact

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/jackzampolin/storybook/internal/types"
)

// PrintDPI is the resolution illustrations are rendered at.
const PrintDPI = 300

// lineArtThreshold splits gray levels into ink and paper for coloring pages.
const lineArtThreshold = 150

// ThumbnailSize bounds the preview image written next to each illustration.
const ThumbnailSize = 256

// PageSize returns the trim size in pixels at PrintDPI.
func PageSize(trim string) (width, height int, err error) {
	w, h, err := types.TrimDimensions(trim)
	if err != nil {
		return 0, 0, err
	}
	return int(w * PrintDPI), int(h * PrintDPI), nil
}

// PrepareIllustration decodes a generated image, crops and scales it to fill
// the page, and converts it to line art for coloring books.
func PrepareIllustration(data []byte, trim string, bookType types.BookType) (image.Image, error) {
	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode illustration: %w", err)
	}
	w, h, err := PageSize(trim)
	if err != nil {
		return nil, err
	}

	img := image.Image(imaging.Fill(src, w, h, imaging.Center, imaging.Lanczos))
	if bookType == types.BookTypeColoring {
		img = LineArt(img)
	}
	return img, nil
}

// LineArt converts an illustration into a high-contrast black and white page.
func LineArt(img image.Image) image.Image {
	gray := imaging.Grayscale(img)
	gray = imaging.AdjustContrast(gray, 40)
	return imaging.AdjustFunc(gray, func(c color.NRGBA) color.NRGBA {
		if c.R < lineArtThreshold {
			return color.NRGBA{A: 255}
		}
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	})
}

// SaveIllustration writes img as PNG and a JPEG thumbnail beside it.
// Returns the thumbnail path.
func SaveIllustration(img image.Image, path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create asset directory: %w", err)
	}
	if err := imaging.Save(img, path); err != nil {
		return "", fmt.Errorf("failed to save illustration: %w", err)
	}

	thumb := imaging.Thumbnail(img, ThumbnailSize, ThumbnailSize, imaging.Lanczos)
	ext := filepath.Ext(path)
	thumbPath := path[:len(path)-len(ext)] + "_thumb.jpg"
	if err := imaging.Save(thumb, thumbPath, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("failed to save thumbnail: %w", err)
	}
	return thumbPath, nil
}
