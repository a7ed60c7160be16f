package pipeline

import (
	"context"
	"image"
	"time"
)

// Detector finds candidate regions in a frame
type Detector interface {
	// Name returns the detector identifier
	Name() string

	// IsHealthy returns true if the detector is operational
	IsHealthy() bool

	// Detect returns the detections above confThreshold after non-maximum
	// suppression at iouThreshold
	Detect(ctx context.Context, frame *Frame, confThreshold, iouThreshold float64) ([]Detection, error)

	// Close releases detector resources
	Close() error
}

// Recognizer reads text from an image region
type Recognizer interface {
	Recognize(ctx context.Context, region image.Image, orientation Orientation) (*RecognitionResult, error)
}

// Dispatcher delivers a result to an external endpoint. It reports failure
// through the return value and never retries.
type Dispatcher interface {
	Deliver(ctx context.Context, d *Delivery) bool
}

// Backends resolves the model collaborators for a channel
type Backends interface {
	Detector(model string, processor Processor) (Detector, error)
	Recognizer(model string, processor Processor) (Recognizer, error)
}

// FrameSource serves the most recent frame of a video origin
type FrameSource interface {
	// Start begins background acquisition. Calling it again has no effect.
	Start()

	// GetLatest returns a private copy of the newest frame, or nil when none
	// is available. It never waits for a new frame.
	GetLatest() *Frame

	// Stop ends acquisition and releases the transport
	Stop()

	// Stats returns acquisition counters
	Stats() SourceStats
}

// SourceStats contains frame acquisition statistics
type SourceStats struct {
	Source          string    `json:"source"`
	FramesRead      uint64    `json:"frames_read"`
	FramesDrained   uint64    `json:"frames_drained"`
	FramesPublished uint64    `json:"frames_published"`
	DecodeErrors    uint64    `json:"decode_errors"`
	Reconnects      uint64    `json:"reconnects"`
	Connected       bool      `json:"connected"`
	LastFrameTime   time.Time `json:"last_frame_time"`
	LastError       string    `json:"last_error,omitempty"`
}

// RecognitionEventHandler receives recognition events from the bus
type RecognitionEventHandler interface {
	OnRecognitionEvent(event *RecognitionEvent)
}

// RecognitionEventHandlerFunc adapts a function to RecognitionEventHandler
type RecognitionEventHandlerFunc func(event *RecognitionEvent)

// OnRecognitionEvent implements RecognitionEventHandler
func (f RecognitionEventHandlerFunc) OnRecognitionEvent(event *RecognitionEvent) {
	f(event)
}

// FramePublisher receives each channel's latest annotated preview frame
type FramePublisher interface {
	SetAnnotatedFrame(channel string, seq uint64, jpeg []byte)
}

// ChannelStore persists channel definitions and lifecycle state
type ChannelStore interface {
	SaveChannel(cfg ChannelConfig, state ChannelState) error
	UpdateChannelState(name string, state ChannelState) error
	DeleteChannel(name string) error
}
