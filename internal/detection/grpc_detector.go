package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"medlabel/internal/pipeline"
)

// Method names of the detection service. Messages are google.protobuf.Struct
// so no generated stubs are needed on this side.
const (
	detectMethod      = "/detection.v1.DetectionService/Detect"
	healthCheckMethod = "/detection.v1.DetectionService/HealthCheck"
)

// GRPCDetector provides gRPC-based region detection
type GRPCDetector struct {
	endpoint  string
	model     string
	processor pipeline.Processor
	conn      *grpc.ClientConn

	healthy    bool
	healthMu   sync.RWMutex
	lastHealth time.Time
}

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Endpoint    string
	Model       string
	Processor   pipeline.Processor
	DialOptions []grpc.DialOption
}

// NewGRPCDetector creates a new gRPC-based detector. The connection is
// established lazily on the first call.
func NewGRPCDetector(config GRPCDetectorConfig) (*GRPCDetector, error) {
	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, config.DialOptions...)

	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create detection client: %w", err)
	}

	log.Printf("[GRPCDetector] Client for %s (model=%s, device=%s)", config.Endpoint, config.Model, config.Processor.Device())
	return &GRPCDetector{
		endpoint:  config.Endpoint,
		model:     config.Model,
		processor: config.Processor,
		conn:      conn,
	}, nil
}

// Name implements pipeline.Detector
func (gd *GRPCDetector) Name() string {
	return "yolo-grpc:" + gd.model
}

// IsHealthy checks if the gRPC service is available. Results are cached
// for 30 seconds.
func (gd *GRPCDetector) IsHealthy() bool {
	gd.healthMu.RLock()
	if time.Since(gd.lastHealth) < healthCacheTTL {
		healthy := gd.healthy
		gd.healthMu.RUnlock()
		return healthy
	}
	gd.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	healthy := false
	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, healthCheckMethod, &structpb.Struct{}, resp); err != nil {
		log.Printf("[GRPCDetector] Health check failed: %v", err)
	} else {
		m := resp.AsMap()
		status, _ := m["status"].(string)
		loaded, _ := m["model_loaded"].(bool)
		healthy = status == "healthy" && loaded
	}

	gd.healthMu.Lock()
	gd.healthy = healthy
	gd.lastHealth = time.Now()
	gd.healthMu.Unlock()
	return healthy
}

// Detect implements pipeline.Detector
func (gd *GRPCDetector) Detect(ctx context.Context, frame *pipeline.Frame, confThreshold, iouThreshold float64) ([]pipeline.Detection, error) {
	data, err := frameJPEG(frame)
	if err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]any{
		"image":          base64.StdEncoding.EncodeToString(data),
		"model":          gd.model,
		"device":         gd.processor.Device(),
		"conf_threshold": confThreshold,
		"iou_threshold":  iouThreshold,
		"frame_seq":      float64(frame.Seq),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("detect failed: %w", err)
	}
	return convertStruct(resp)
}

// convertStruct converts the gRPC response to pipeline detections
func convertStruct(resp *structpb.Struct) ([]pipeline.Detection, error) {
	list := resp.GetFields()["detections"].GetListValue()
	if list == nil {
		return nil, nil
	}

	out := make([]pipeline.Detection, 0, len(list.Values))
	for i, v := range list.Values {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		bbox := fields["bbox"].GetListValue()
		if bbox == nil || len(bbox.Values) != 4 {
			return nil, fmt.Errorf("detection %d has a malformed bbox", i)
		}
		coord := func(j int) float32 { return float32(bbox.Values[j].GetNumberValue()) }

		out = append(out, pipeline.Detection{
			BBox:       pipeline.BBox{X1: coord(0), Y1: coord(1), X2: coord(2), Y2: coord(3)},
			ClassID:    int(fields["class_id"].GetNumberValue()),
			Class:      fields["class"].GetStringValue(),
			Confidence: float32(fields["confidence"].GetNumberValue()),
		})
	}
	return out, nil
}

// Close shuts down the gRPC connection
func (gd *GRPCDetector) Close() error {
	return gd.conn.Close()
}

var _ pipeline.Detector = (*GRPCDetector)(nil)
