package metrics

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"
)

// ToImage converts a [C,H,W] float slice in [0,1] to an RGBA image.
// Single-channel inputs render as grayscale; extra channels beyond
// the first three are ignored.
func ToImage(data []float64, c, h, w int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	at := func(ch, y, x int) uint8 {
		if ch >= c {
			ch = 0
		}
		v := data[ch*h*w+y*w+x]
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return uint8(v*255 + 0.5)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: at(0, y, x), G: at(1, y, x), B: at(2, y, x), A: 255})
		}
	}
	return img
}

// SideBySide composites frames left to right on one canvas, scaling
// every frame to the height of the first.
func SideBySide(frames ...*image.RGBA) *image.RGBA {
	if len(frames) == 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	hgt := frames[0].Bounds().Dy()
	widths := make([]int, len(frames))
	total := 0
	for i, f := range frames {
		b := f.Bounds()
		widths[i] = b.Dx() * hgt / b.Dy()
		total += widths[i]
	}
	canvas := image.NewRGBA(image.Rect(0, 0, total, hgt))
	x := 0
	for i, f := range frames {
		dst := image.Rect(x, 0, x+widths[i], hgt)
		xdraw.NearestNeighbor.Scale(canvas, dst, f, f.Bounds(), xdraw.Src, nil)
		x += widths[i]
	}
	return canvas
}

// WritePNG encodes img to path, creating parent directories.
func WritePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("metrics: create image directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metrics: create image file: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("metrics: encode png: %w", err)
	}
	return nil
}

// FromImage converts an image back to a [3,H,W] float slice in [0,1].
func FromImage(img image.Image) ([]float64, int, int) {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	out := make([]float64, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out[0*h*w+y*w+x] = float64(r) / 65535
			out[1*h*w+y*w+x] = float64(g) / 65535
			out[2*h*w+y*w+x] = float64(bb) / 65535
		}
	}
	return out, h, w
}
