package data

import (
	"image"
	_ "image/jpeg" // Essential: Registers JPEG format
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// LoadImage converts an image of any size into a single-channel input of
// targetW x targetH pixels scaled to [0,1]. Set invert for dark ink on a
// light background, since the training digits are light on dark.
func LoadImage(path string, targetW, targetH int, invert bool) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return ConvertImage(src, targetW, targetH, invert), nil
}

// ConvertImage resizes src and converts it to grayscale.
func ConvertImage(src image.Image, targetW, targetH int, invert bool) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Bounds(), draw.Over, nil)

	out := make([]float32, 0, targetW*targetH)
	bounds := dst.Bounds()

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := dst.At(x, y).RGBA()
			// Standard Grayscale formula
			gray := (0.299*float32(r>>8) + 0.587*float32(g>>8) + 0.114*float32(b>>8)) / 255
			if invert {
				gray = 1 - gray
			}
			out = append(out, gray)
		}
	}
	return out
}
