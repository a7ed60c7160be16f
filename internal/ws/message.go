package ws

import (
	"encoding/base64"
	"time"

	"medlabel/internal/pipeline"
)

// RecognitionMessage is the JSON pushed to clients for each recognition event
type RecognitionMessage struct {
	Type       string            `json:"type"` // "recognition"
	ID         string            `json:"id"`
	Channel    string            `json:"channel"`
	FrameSeq   uint64            `json:"frame_seq"`
	Timestamp  time.Time         `json:"timestamp"`
	Class      string            `json:"class,omitempty"`
	Confidence float32           `json:"confidence"`
	BBox       []float32         `json:"bbox"` // [x1, y1, x2, y2]
	Text       string            `json:"text,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Duplicate  bool              `json:"duplicate"`
	Delivered  bool              `json:"delivered"`
	Frame      string            `json:"frame,omitempty"` // Base64 encoded JPEG
}

// NewRecognitionMessage converts a pipeline event. The annotated image is
// only attached when withFrame is set.
func NewRecognitionMessage(e *pipeline.RecognitionEvent, withFrame bool) *RecognitionMessage {
	b := e.Detection.BBox
	m := &RecognitionMessage{
		Type:       "recognition",
		ID:         e.ID,
		Channel:    e.Channel,
		FrameSeq:   e.FrameSeq,
		Timestamp:  e.Timestamp,
		Class:      e.Detection.Class,
		Confidence: e.Detection.Confidence,
		BBox:       []float32{b.X1, b.Y1, b.X2, b.Y2},
		Duplicate:  e.Duplicate,
		Delivered:  e.Delivered,
	}
	if e.Result != nil {
		m.Text = e.Result.Text
		m.Fields = e.Result.Fields
	}
	if withFrame && len(e.ImageData) > 0 {
		m.Frame = base64.StdEncoding.EncodeToString(e.ImageData)
	}
	return m
}
