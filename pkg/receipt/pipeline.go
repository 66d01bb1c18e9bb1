package receipt

import (
	"fmt"
	"log"
	"os"
)

// Pipeline ties preprocessing, OCR and line-item extraction together. One
// invocation is a single request-scoped unit of work; concurrent invocations
// share no state.
type Pipeline struct {
	engine Engine
}

// NewPipeline builds a pipeline around the given OCR engine. A nil engine
// defaults to TesseractEngine.
func NewPipeline(e Engine) *Pipeline {
	if e == nil {
		e = TesseractEngine{}
	}
	return &Pipeline{engine: e}
}

// ParseReceipt runs the full image -> items pipeline on the image at path.
// Preprocessing failures are absorbed: the original image is fed to OCR
// instead (degraded OCR beats total failure). OCR failures surface as
// ErrOCRFailed. Zero extracted items is a valid result, not an error.
func (p *Pipeline) ParseReceipt(path string) ([]LineItem, error) {
	ocrPath := path
	if tmp, err := NormalizeFile(path); err != nil {
		log.Printf("receipt: preprocess failed, using original image: %v", err)
	} else {
		ocrPath = tmp
		defer os.Remove(tmp)
	}
	text, err := p.engine.Recognize(ocrPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOCRFailed, err)
	}
	return ExtractLineItems(text), nil
}
