// Package imagecodec turns uploaded bytes into a pixel grid.
package imagecodec

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // register GIF
	_ "image/jpeg" // register JPEG
	_ "image/png"  // register PNG

	_ "golang.org/x/image/bmp"  // register BMP
	_ "golang.org/x/image/tiff" // register TIFF
	_ "golang.org/x/image/webp" // register WebP

	"github.com/markscan/markscan/internal/errors"
)

// ErrInvalidImage is returned for input that is not a supported, non-empty raster image.
var ErrInvalidImage = errors.NewStd("invalid image")

// DefaultMaxPixels bounds width*height when no budget is configured.
const DefaultMaxPixels = 40_000_000

// Decoder decodes images within a pixel budget.
type Decoder struct {
	maxPixels int
}

// NewDecoder returns a Decoder. maxPixels <= 0 selects DefaultMaxPixels.
func NewDecoder(maxPixels int) *Decoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Decoder{maxPixels: maxPixels}
}

// Decode parses data into an image and reports its format name ("jpeg", "png", ...).
// The header is checked against the pixel budget before any pixel data is decoded.
func (d *Decoder) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", invalid(fmt.Errorf("%w: empty input", ErrInvalidImage), "", 0)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", invalid(fmt.Errorf("%w: %w", ErrInvalidImage, err), "", len(data))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, invalid(fmt.Errorf("%w: zero dimensions %dx%d", ErrInvalidImage, cfg.Width, cfg.Height), format, len(data))
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(d.maxPixels) {
		return nil, format, invalid(fmt.Errorf("%w: %dx%d exceeds the %d pixel limit",
			ErrInvalidImage, cfg.Width, cfg.Height, d.maxPixels), format, len(data))
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, invalid(fmt.Errorf("%w: %w", ErrInvalidImage, err), format, len(data))
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, format, invalid(fmt.Errorf("%w: zero dimensions", ErrInvalidImage), format, len(data))
	}
	return img, format, nil
}

// Decode decodes with the default pixel budget.
func Decode(data []byte) (image.Image, string, error) {
	return NewDecoder(0).Decode(data)
}

func invalid(err error, format string, size int) error {
	return errors.New(err).
		Component("imagecodec").
		Category(errors.CategoryImageDecode).
		ImageContext(format, size).
		Build()
}
