package receipt

import "errors"

// ErrImageLoad is returned when the input bytes cannot be decoded as an image.
var ErrImageLoad = errors.New("cannot decode receipt image")

// ErrOCRFailed is returned when the OCR engine fails or produces no usable text.
// The message is user-facing advice; callers surface it as-is.
var ErrOCRFailed = errors.New("text recognition failed; retake the photo with better lighting")
