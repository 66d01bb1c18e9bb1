package receipt

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/disintegration/imaging"
)

const (
	// maxOCRWidth bounds the image fed to Tesseract; larger photos are scaled
	// down proportionally to keep recognition fast on small machines.
	maxOCRWidth = 1500
	// Two-sided contrast clamp: pixels brighter than whiteCut become paper,
	// darker than blackCut become ink, and the band in between is preserved
	// so mid-tone detail survives (not a full binarization).
	whiteCut = 120
	blackCut = 80
)

// NormalizeImage produces a copy of img bounded at maxOCRWidth, reduced to
// luminance and contrast-clamped for OCR. The input image is never mutated.
func NormalizeImage(img image.Image) *image.NRGBA {
	if img.Bounds().Dx() > maxOCRWidth {
		img = imaging.Resize(img, maxOCRWidth, 0, imaging.Lanczos)
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bb, _ := img.At(x, y).RGBA()
			// perceptual luminosity weights on 8-bit channels
			lum := 0.2126*float64(r>>8) + 0.7152*float64(g>>8) + 0.0722*float64(bb>>8)
			var v uint8
			switch {
			case lum > whiteCut:
				v = 255
			case lum < blackCut:
				v = 0
			default:
				v = uint8(lum)
			}
			out.Set(x-b.Min.X, y-b.Min.Y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return out
}

// NormalizeFile loads the image at path, normalizes it and writes the result
// to a temp PNG whose path is returned. The caller removes the file when done.
// A decode failure is reported as ErrImageLoad so callers can fall back to the
// unprocessed original instead of aborting.
func NormalizeFile(path string) (string, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrImageLoad, err)
	}
	norm := NormalizeImage(img)
	tmpFile, err := os.CreateTemp("", "receipt-norm-*.png")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	tmp := tmpFile.Name()
	_ = tmpFile.Close()
	if err := imaging.Save(norm, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("save normalized image: %w", err)
	}
	return tmp, nil
}
