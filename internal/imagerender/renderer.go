package imagerender

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"
)

// ColorMode defines the color mode for rendering
type ColorMode string

const (
	ColorRGB  ColorMode = "rgb"
	ColorGray ColorMode = "gray"
)

// Options controls preview rendering.
type Options struct {
	DPI     int
	Quality int
	Color   ColorMode
}

// DefaultOptions renders thumbnails small enough to inline in a listing.
func DefaultOptions() Options {
	return Options{DPI: 48, Quality: 70, Color: ColorRGB}
}

// RenderPageToJPEG renders one page of an in-memory PDF as JPEG.
// pageNum is 1-based. Returns JPEG bytes, width, height, error.
func RenderPageToJPEG(pdf []byte, pageNum int, opts Options) ([]byte, int, int, error) {
	if opts.DPI <= 0 {
		opts.DPI = DefaultOptions().DPI
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultOptions().Quality
	}

	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	if pageNum < 1 || pageNum > doc.NumPage() {
		return nil, 0, 0, fmt.Errorf("page %d out of range 1..%d", pageNum, doc.NumPage())
	}

	// go-fitz uses 0-based indexing
	img, err := doc.ImageDPI(pageNum-1, float64(opts.DPI))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to render page %d: %w", pageNum, err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	var finalImg image.Image = img
	if opts.Color == ColorGray {
		grayImg := image.NewGray(bounds)
		draw.Draw(grayImg, bounds, img, image.Point{}, draw.Src)
		finalImg = grayImg
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, finalImg, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode JPEG: %w", err)
	}

	log.Debug().
		Int("page", pageNum).
		Int("width", width).
		Int("height", height).
		Str("color", string(opts.Color)).
		Int("jpeg_size", buf.Len()).
		Msg("rendered preview")

	return buf.Bytes(), width, height, nil
}
