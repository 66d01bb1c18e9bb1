package receipt

import (
	"errors"
	"image/color"
	"os"
	"testing"

	"github.com/disintegration/imaging"
)

type stubEngine struct {
	text     string
	err      error
	lastPath string
}

func (s *stubEngine) Recognize(imagePath string) (string, error) {
	s.lastPath = imagePath
	return s.text, s.err
}

func tempReceiptImage(t *testing.T) string {
	t.Helper()
	img := imaging.New(600, 400, color.NRGBA{255, 255, 255, 255})
	f, err := os.CreateTemp("", "receipt-*.png")
	if err != nil {
		t.Skip("temp file")
	}
	_ = f.Close()
	if err := imaging.Save(img, f.Name()); err != nil {
		t.Fatalf("save test image: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(f.Name()) })
	return f.Name()
}

func TestPipelineParsesEngineText(t *testing.T) {
	eng := &stubEngine{text: "CORNER CAFE\nLatte 4,20\nBagel 3.10\nTOTAL 7.30"}
	p := NewPipeline(eng)
	items, err := p.ParseReceipt(tempReceiptImage(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[0].Name != "Latte" || items[1].Price != 3.10 {
		t.Fatalf("unexpected items %v", items)
	}
	if eng.lastPath == "" {
		t.Fatalf("engine was not invoked")
	}
}

func TestPipelineWrapsOCRFailure(t *testing.T) {
	eng := &stubEngine{err: errors.New("boom")}
	p := NewPipeline(eng)
	_, err := p.ParseReceipt(tempReceiptImage(t))
	if !errors.Is(err, ErrOCRFailed) {
		t.Fatalf("expected ErrOCRFailed got %v", err)
	}
}

func TestPipelineFallsBackOnUndecodableImage(t *testing.T) {
	f, err := os.CreateTemp("", "broken-*.jpg")
	if err != nil {
		t.Skip("temp file")
	}
	_, _ = f.WriteString("not an image at all")
	_ = f.Close()
	defer os.Remove(f.Name())

	eng := &stubEngine{text: "Soup 6.00"}
	p := NewPipeline(eng)
	items, err := p.ParseReceipt(f.Name())
	if err != nil {
		t.Fatalf("preprocess failure must not abort the pipeline: %v", err)
	}
	if eng.lastPath != f.Name() {
		t.Fatalf("expected fallback to original path %q, engine got %q", f.Name(), eng.lastPath)
	}
	if len(items) != 1 || items[0].Name != "Soup" {
		t.Fatalf("unexpected items %v", items)
	}
}

func TestPipelineEmptyTextIsNotAnError(t *testing.T) {
	p := NewPipeline(&stubEngine{text: "THANK YOU\nSEE YOU SOON"})
	items, err := p.ParseReceipt(tempReceiptImage(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty result got %v", items)
	}
}
