package imagecodec

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/markscan/markscan/internal/errors"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	return img
}

func encode(t *testing.T, format string, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, nil)
	case "png":
		err = png.Encode(&buf, img)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	case "bmp":
		err = bmp.Encode(&buf, img)
	case "tiff":
		err = tiff.Encode(&buf, img, nil)
	}
	require.NoError(t, err)
	return buf.Bytes()
}

func TestDecodeSupportedFormats(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"jpeg", "png", "gif", "bmp", "tiff"} {
		t.Run(format, func(t *testing.T) {
			t.Parallel()
			img, got, err := Decode(encode(t, format, solid(32, 24)))
			require.NoError(t, err)
			assert.Equal(t, format, got)
			assert.Equal(t, 32, img.Bounds().Dx())
			assert.Equal(t, 24, img.Bounds().Dy())
		})
	}
}

func TestDecodeRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	valid := encode(t, "png", solid(8, 8))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"random bytes", []byte("definitely not an image")},
		{"truncated png", valid[:len(valid)/2]},
		{"jpeg header only", []byte{0xFF, 0xD8, 0xFF, 0xE0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := Decode(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidImage)
			assert.True(t, errors.IsCategory(err, errors.CategoryImageDecode))
		})
	}
}

func TestDecodePixelBudget(t *testing.T) {
	t.Parallel()

	data := encode(t, "png", solid(100, 100))

	_, _, err := NewDecoder(9_999).Decode(data)
	require.ErrorIs(t, err, ErrInvalidImage)
	assert.Contains(t, err.Error(), "pixel limit")

	_, _, err = NewDecoder(10_000).Decode(data)
	require.NoError(t, err)
}
