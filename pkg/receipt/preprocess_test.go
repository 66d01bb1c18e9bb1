package receipt

import (
	"errors"
	"image"
	"image/color"
	"os"
	"testing"
)

// bandImage builds an image with three horizontal bands: bright (200), dark
// (50) and mid-tone (100) gray.
func bandImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	fill := func(y0, y1 int, v uint8) {
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				img.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
			}
		}
	}
	fill(0, h/3, 200)
	fill(h/3, 2*h/3, 50)
	fill(2*h/3, h, 100)
	return img
}

func TestNormalizeImageResizeAndClamp(t *testing.T) {
	out := NormalizeImage(bandImage(4000, 3000))
	if out.Bounds().Dx() != 1500 || out.Bounds().Dy() != 1125 {
		t.Fatalf("expected 1500x1125 got %dx%d", out.Bounds().Dx(), out.Bounds().Dy())
	}
	// sample well inside each band to avoid resampling edges
	checks := []struct {
		y    int
		want uint8
		mid  bool
	}{
		{1125 / 6, 255, false},   // bright band clamps to paper
		{1125 / 2, 0, false},     // dark band clamps to ink
		{1125 * 5 / 6, 100, true}, // mid band passes through
	}
	for _, c := range checks {
		px := out.NRGBAAt(750, c.y)
		if px.R != px.G || px.G != px.B {
			t.Fatalf("y=%d: output is not grayscale: %v", c.y, px)
		}
		if c.mid {
			if px.R < 95 || px.R > 105 {
				t.Fatalf("y=%d: mid-tone expected ~100 got %d", c.y, px.R)
			}
		} else if px.R != c.want {
			t.Fatalf("y=%d: expected %d got %d", c.y, c.want, px.R)
		}
	}
}

func TestNormalizeImageNoUpscale(t *testing.T) {
	out := NormalizeImage(bandImage(800, 600))
	if out.Bounds().Dx() != 800 || out.Bounds().Dy() != 600 {
		t.Fatalf("image at or below max width must keep its size, got %dx%d", out.Bounds().Dx(), out.Bounds().Dy())
	}
}

func TestNormalizeFileBadImage(t *testing.T) {
	f, err := os.CreateTemp("", "not-an-image-*.png")
	if err != nil {
		t.Skip("temp file")
	}
	defer os.Remove(f.Name())
	_, _ = f.WriteString("this is not a png")
	_ = f.Close()
	_, err = NormalizeFile(f.Name())
	if !errors.Is(err, ErrImageLoad) {
		t.Fatalf("expected ErrImageLoad got %v", err)
	}
}
