//go:build tesseract

package detection

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/otiai10/gosseract/v2"

	"medlabel/internal/imaging"
	"medlabel/internal/pipeline"
)

// TesseractRecognizer runs OCR in-process through libtesseract
type TesseractRecognizer struct {
	client    *gosseract.Client
	artifacts *ArtifactStore
	mu        sync.Mutex // the tesseract handle is not safe for concurrent use
}

// NewTesseractRecognizer creates a recognizer for the given languages
func NewTesseractRecognizer(artifacts *ArtifactStore, languages ...string) (*TesseractRecognizer, error) {
	client := gosseract.NewClient()
	if len(languages) > 0 {
		if err := client.SetLanguage(languages...); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set languages: %w", err)
		}
	}
	return &TesseractRecognizer{client: client, artifacts: artifacts}, nil
}

// Recognize implements pipeline.Recognizer
func (t *TesseractRecognizer) Recognize(ctx context.Context, region image.Image, orientation pipeline.Orientation) (*pipeline.RecognitionResult, error) {
	data, err := imaging.EncodeJPEG(region, 95)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	mode := gosseract.PSM_AUTO
	if orientation == pipeline.OrientationPortrait {
		mode = gosseract.PSM_SINGLE_BLOCK
	}
	if err := t.client.SetPageSegMode(mode); err != nil {
		return nil, err
	}
	if err := t.client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to load region: %w", err)
	}

	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("tesseract failed: %w", err)
	}

	result := &pipeline.RecognitionResult{}
	texts := make([]string, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		result.Lines = append(result.Lines, pipeline.TextLine{
			Text:       text,
			Confidence: b.Confidence / 100,
			BBox: pipeline.BBox{
				X1: float32(b.Box.Min.X), Y1: float32(b.Box.Min.Y),
				X2: float32(b.Box.Max.X), Y2: float32(b.Box.Max.Y),
			},
		})
	}
	result.Text = strings.Join(texts, "\n")

	if len(texts) > 0 {
		ref, err := t.artifacts.Save(data, time.Now())
		if err == nil {
			result.ArtifactRef = ref
		}
	}
	return result, nil
}

// Close releases the tesseract handle
func (t *TesseractRecognizer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client.Close()
}

var _ pipeline.Recognizer = (*TesseractRecognizer)(nil)

// NewLocalRecognizer returns the in-process recognizer
func NewLocalRecognizer(artifacts *ArtifactStore, languages ...string) (pipeline.Recognizer, error) {
	return NewTesseractRecognizer(artifacts, languages...)
}
