package receipt

import (
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// Engine is the OCR boundary: a prepared image on disk in, plain text out.
// It is the only non-deterministic dependency of the pipeline and must be
// substitutable with a stub returning fixed text for testing.
type Engine interface {
	Recognize(imagePath string) (string, error)
}

// TesseractEngine runs gosseract. A fresh client is created per call and
// closed before returning, so the native Tesseract session is released on
// every exit path.
type TesseractEngine struct {
	Language string // defaults to "eng"
}

func (e TesseractEngine) Recognize(imagePath string) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()
	lang := e.Language
	if lang == "" {
		lang = "eng"
	}
	_ = client.SetLanguage(lang)
	// Receipts are a single dense block of left-aligned lines.
	_ = client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK)
	client.SetImage(imagePath)
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return text, nil
}
