package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"medlabel/internal/imaging"
	"medlabel/internal/pipeline"
)

// RecognizerConfig holds configuration for the HTTP text recognizer
type RecognizerConfig struct {
	Endpoint  string
	Model     string
	Processor pipeline.Processor
	Timeout   time.Duration
	Artifacts *ArtifactStore
}

// HTTPRecognizer sends cropped label regions to an OCR service
type HTTPRecognizer struct {
	endpoint  string
	model     string
	processor pipeline.Processor
	client    *http.Client
	artifacts *ArtifactStore
	now       func() time.Time
}

type recognizeResponse struct {
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields"`
	Lines  []struct {
		Text       string    `json:"text"`
		Confidence float64   `json:"confidence"`
		BBox       []float32 `json:"bbox"`
	} `json:"lines"`
	Error string `json:"error"`
}

// NewHTTPRecognizer creates a recognizer client
func NewHTTPRecognizer(cfg RecognizerConfig) *HTTPRecognizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPRecognizer{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		processor: cfg.Processor,
		client:    &http.Client{Timeout: cfg.Timeout},
		artifacts: cfg.Artifacts,
		now:       time.Now,
	}
}

// Recognize implements pipeline.Recognizer
func (r *HTTPRecognizer) Recognize(ctx context.Context, region image.Image, orientation pipeline.Orientation) (*pipeline.RecognitionResult, error) {
	data, err := imaging.EncodeJPEG(region, 95)
	if err != nil {
		return nil, fmt.Errorf("failed to encode region: %w", err)
	}

	artifact, err := r.artifacts.Save(data, r.now())
	if err != nil {
		// The artifact is a debugging aid; recognition still proceeds.
		log.Printf("[Recognizer] Failed to save artifact: %v", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("image", "region.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	w.WriteField("orientation", orientation.String())
	w.WriteField("model", r.model)
	w.WriteField("device", r.processor.Device())
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/recognize", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recognition request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recognizer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed recognizeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("recognizer error: %s", parsed.Error)
	}

	result := &pipeline.RecognitionResult{
		Text:        parsed.Text,
		Fields:      parsed.Fields,
		ArtifactRef: artifact,
	}
	for _, l := range parsed.Lines {
		line := pipeline.TextLine{Text: l.Text, Confidence: l.Confidence}
		if len(l.BBox) == 4 {
			line.BBox = pipeline.BBox{X1: l.BBox[0], Y1: l.BBox[1], X2: l.BBox[2], Y2: l.BBox[3]}
		}
		result.Lines = append(result.Lines, line)
	}
	if result.Text == "" && len(result.Lines) > 0 {
		texts := make([]string, 0, len(result.Lines))
		for _, l := range result.Lines {
			texts = append(texts, l.Text)
		}
		result.Text = strings.Join(texts, "\n")
	}
	return result, nil
}

var _ pipeline.Recognizer = (*HTTPRecognizer)(nil)
