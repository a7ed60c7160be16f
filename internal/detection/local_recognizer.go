//go:build !tesseract

package detection

import (
	"errors"

	"medlabel/internal/pipeline"
)

// ErrNoLocalRecognizer is returned when the binary was built without tesseract
var ErrNoLocalRecognizer = errors.New("built without tesseract support (use -tags tesseract)")

// NewLocalRecognizer returns the in-process recognizer
func NewLocalRecognizer(artifacts *ArtifactStore, languages ...string) (pipeline.Recognizer, error) {
	return nil, ErrNoLocalRecognizer
}
