package detection

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// letterboxPad is the grey used by YOLO training pipelines for padding (114/255).
var letterboxPad = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// Letterbox scales img to fit a size x size square keeping aspect ratio, centres it on
// grey padding and returns the pixels as CHW float32 RGB in [0, 1].
func Letterbox(img image.Image, size int) []float32 {
	canvas := letterboxImage(img, size)

	plane := size * size
	out := make([]float32, 3*plane)
	pix := canvas.Pix
	for y := range size {
		row := y * canvas.Stride
		for x := range size {
			p := row + x*4
			i := y*size + x
			out[i] = float32(pix[p]) / 255
			out[plane+i] = float32(pix[p+1]) / 255
			out[2*plane+i] = float32(pix[p+2]) / 255
		}
	}
	return out
}

func letterboxImage(img image.Image, size int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: letterboxPad}, image.Point{}, draw.Src)

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return canvas
	}

	scale := min(float64(size)/float64(w), float64(size)/float64(h))
	nw := max(1, int(float64(w)*scale+0.5))
	nh := max(1, int(float64(h)*scale+0.5))
	offX := (size - nw) / 2
	offY := (size - nh) / 2

	draw.BiLinear.Scale(canvas, image.Rect(offX, offY, offX+nw, offY+nh), img, b, draw.Src, nil)
	return canvas
}
