package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"medlabel/internal/imaging"
	"medlabel/internal/pipeline"
)

const healthCacheTTL = 30 * time.Second

// YOLODetector calls an HTTP YOLO inference service
type YOLODetector struct {
	endpoint  string
	model     string
	processor pipeline.Processor
	client    *http.Client

	healthy     bool
	healthCheck time.Time
	mu          sync.RWMutex
}

// YOLODetection represents a single detection in the service response
type YOLODetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// YOLOResult represents the detection response
type YOLOResult struct {
	Detections      []YOLODetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
	Device          string          `json:"device"`
	Model           string          `json:"model"`
}

// YOLOHealthResponse represents the health check response
type YOLOHealthResponse struct {
	Status       string `json:"status"`
	Device       string `json:"device"`
	GPUAvailable bool   `json:"gpu_available"`
	ModelLoaded  bool   `json:"model_loaded"`
}

// YOLOConfig holds configuration for the detector
type YOLOConfig struct {
	Endpoint  string
	Model     string
	Processor pipeline.Processor
	Timeout   time.Duration
}

// NewYOLODetector creates an HTTP detector for one model
func NewYOLODetector(cfg YOLOConfig) *YOLODetector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second // Longer timeout for GPU inference
	}
	return &YOLODetector{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		processor: cfg.Processor,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements pipeline.Detector
func (yd *YOLODetector) Name() string {
	return "yolo-http:" + yd.model
}

// IsHealthy checks if the YOLO service is available. Results are cached
// for 30 seconds.
func (yd *YOLODetector) IsHealthy() bool {
	yd.mu.RLock()
	if time.Since(yd.healthCheck) < healthCacheTTL {
		healthy := yd.healthy
		yd.mu.RUnlock()
		return healthy
	}
	yd.mu.RUnlock()

	health, err := yd.GetHealthInfo(context.Background())
	healthy := err == nil && health.ModelLoaded

	yd.mu.Lock()
	yd.healthy = healthy
	yd.healthCheck = time.Now()
	yd.mu.Unlock()
	return healthy
}

// GetHealthInfo returns detailed health information
func (yd *YOLODetector) GetHealthInfo(ctx context.Context) (*YOLOHealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, yd.endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := yd.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check YOLO health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("YOLO health check returned status %d", resp.StatusCode)
	}

	var health YOLOHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// Detect implements pipeline.Detector
func (yd *YOLODetector) Detect(ctx context.Context, frame *pipeline.Frame, confThreshold, iouThreshold float64) ([]pipeline.Detection, error) {
	data, err := frameJPEG(frame)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", confThreshold))
	w.WriteField("iou_threshold", fmt.Sprintf("%.3f", iouThreshold))
	w.Close()

	q := url.Values{}
	q.Set("model", yd.model)
	q.Set("device", yd.processor.Device())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, yd.endpoint+"/detect?"+q.Encode(), &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := yd.client.Do(req)
	if err != nil {
		yd.markUnhealthy()
		return nil, fmt.Errorf("YOLO request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("YOLO detection failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result YOLOResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}

	return convertYOLO(result.Detections)
}

// Close implements pipeline.Detector
func (yd *YOLODetector) Close() error {
	yd.client.CloseIdleConnections()
	return nil
}

func (yd *YOLODetector) markUnhealthy() {
	yd.mu.Lock()
	yd.healthy = false
	yd.healthCheck = time.Now()
	yd.mu.Unlock()
}

func convertYOLO(in []YOLODetection) ([]pipeline.Detection, error) {
	out := make([]pipeline.Detection, 0, len(in))
	for _, d := range in {
		if len(d.BBox) != 4 {
			return nil, fmt.Errorf("malformed bbox with %d values", len(d.BBox))
		}
		out = append(out, pipeline.Detection{
			BBox:       pipeline.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]},
			ClassID:    d.ClassID,
			Class:      d.Class,
			Confidence: d.Confidence,
		})
	}
	return out, nil
}

// frameJPEG returns the encoded bytes of a frame, encoding it if needed
func frameJPEG(frame *pipeline.Frame) ([]byte, error) {
	if frame == nil {
		return nil, fmt.Errorf("nil frame")
	}
	if len(frame.Data) > 0 {
		return frame.Data, nil
	}
	if frame.Image == nil {
		return nil, fmt.Errorf("frame has no image")
	}
	return imaging.EncodeJPEG(frame.Image, 90)
}

var _ pipeline.Detector = (*YOLODetector)(nil)
