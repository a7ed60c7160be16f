package pipeline

import (
	"fmt"
	"image"
	"image/draw"
	"math"
	"strings"
	"time"
)

// Processor is the preferred compute affinity for a channel's models
type Processor int

const (
	ProcessorAny Processor = iota + 1
	ProcessorCPU
	ProcessorGPU
)

var processorNames = map[Processor]string{
	ProcessorAny: "ANY",
	ProcessorCPU: "CPU",
	ProcessorGPU: "GPU",
}

func (p Processor) String() string {
	if s, ok := processorNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Processor(%d)", int(p))
}

// Device returns the device hint sent to model services.
func (p Processor) Device() string {
	switch p {
	case ProcessorCPU:
		return "cpu"
	case ProcessorGPU:
		return "cuda"
	default:
		return "auto"
	}
}

// ParseProcessor accepts ANY, CPU or GPU, case-insensitively
func ParseProcessor(s string) (Processor, error) {
	for p, name := range processorNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid processor %q", s)
}

// Orientation is the layout hint passed to the recognizer
type Orientation int

const (
	OrientationPortrait Orientation = iota + 1
	OrientationLandscape
)

func (o Orientation) String() string {
	switch o {
	case OrientationPortrait:
		return "PORTRAIT"
	case OrientationLandscape:
		return "LANDSCAPE"
	default:
		return fmt.Sprintf("Orientation(%d)", int(o))
	}
}

// ParseOrientation accepts PORTRAIT or LANDSCAPE, case-insensitively
func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToUpper(s) {
	case "PORTRAIT":
		return OrientationPortrait, nil
	case "LANDSCAPE":
		return OrientationLandscape, nil
	}
	return 0, fmt.Errorf("invalid orientation %q", s)
}

// Rotation is applied to the cropped region before recognition
type Rotation int

const (
	RotationNone Rotation = iota
	Rotation90Clockwise
	Rotation180
	Rotation90CounterClockwise
)

var rotationNames = map[Rotation]string{
	RotationNone:               "NONE",
	Rotation90Clockwise:        "ROTATE_90_CLOCKWISE",
	Rotation180:                "ROTATE_180",
	Rotation90CounterClockwise: "ROTATE_90_COUNTERCLOCKWISE",
}

func (r Rotation) String() string {
	if s, ok := rotationNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Rotation(%d)", int(r))
}

// ParseRotation accepts the rotation names plus "true"/"false" for the
// plain on/off flag. "true" and the short form ROTATE_90 mean a quarter
// turn clockwise.
func ParseRotation(s string) (Rotation, error) {
	switch strings.ToLower(s) {
	case "", "false":
		return RotationNone, nil
	case "true", "rotate_90":
		return Rotation90Clockwise, nil
	}
	for r, name := range rotationNames {
		if strings.EqualFold(s, name) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("invalid rotation %q", s)
}

// ChannelConfig describes one channel. It is immutable once the channel is added.
type ChannelConfig struct {
	Name        string      `json:"name"`
	Source      string      `json:"source"`
	Endpoint    string      `json:"endpoint"`
	Rotation    Rotation    `json:"rotation"`
	Orientation Orientation `json:"orientation"`
	Processor   Processor   `json:"processor"`
	Model       string      `json:"model"`
}

// Rotates reports whether the rotation flag is set
func (c ChannelConfig) Rotates() bool {
	return c.Rotation != RotationNone
}

// Frame is a decoded video frame. Data keeps the encoded JPEG as received.
type Frame struct {
	Image     *image.RGBA
	Data      []byte
	Seq       uint64
	Timestamp time.Time
}

// Width returns the frame width in pixels
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dx()
}

// Height returns the frame height in pixels
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dy()
}

// Clone returns a deep copy that shares no memory with f
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := &Frame{Seq: f.Seq, Timestamp: f.Timestamp}
	if f.Image != nil {
		img := &image.RGBA{
			Pix:    make([]byte, len(f.Image.Pix)),
			Stride: f.Image.Stride,
			Rect:   f.Image.Rect,
		}
		copy(img.Pix, f.Image.Pix)
		c.Image = img
	}
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return c
}

// ToRGBA converts any image to RGBA, reusing it when it already is one
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// BBox represents a bounding box in pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Area returns the box area, zero for degenerate boxes
func (b BBox) Area() float64 {
	w := float64(b.X2 - b.X1)
	h := float64(b.Y2 - b.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns the intersection-over-union of two boxes
func (b BBox) IoU(o BBox) float64 {
	ix1 := math.Max(float64(b.X1), float64(o.X1))
	iy1 := math.Max(float64(b.Y1), float64(o.Y1))
	ix2 := math.Min(float64(b.X2), float64(o.X2))
	iy2 := math.Min(float64(b.Y2), float64(o.Y2))

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Rect converts the box to an integer rectangle
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(math.Ceil(float64(b.X2))), int(math.Ceil(float64(b.Y2))))
}

// Detection represents a single object detection result
type Detection struct {
	BBox       BBox    `json:"bbox"`
	ClassID    int     `json:"class_id"`
	Class      string  `json:"class,omitempty"`
	Confidence float32 `json:"confidence"`
}

// TextLine is one recognized line of text
type TextLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// RecognitionResult is the recognizer output for one region
type RecognitionResult struct {
	Text        string            `json:"text"`
	Fields      map[string]string `json:"fields,omitempty"`
	Lines       []TextLine        `json:"lines,omitempty"`
	ArtifactRef string            `json:"artifact_ref,omitempty"`
}

// Delivery is the payload handed to a Dispatcher
type Delivery struct {
	Channel   string
	Endpoint  string
	Fields    map[string]string
	Text      string
	Image     []byte // JPEG
	Artifact  string
	Timestamp time.Time
}

// RecognitionEvent is published after every recognition that produced text
type RecognitionEvent struct {
	ID        string             `json:"id"`
	Channel   string             `json:"channel"`
	FrameSeq  uint64             `json:"frame_seq"`
	Timestamp time.Time          `json:"timestamp"`
	Detection Detection          `json:"detection"`
	Result    *RecognitionResult `json:"result"`
	Duplicate bool               `json:"duplicate"`
	Delivered bool               `json:"delivered"`
	ImageData []byte             `json:"-"` // Annotated JPEG
}

// MarshalText encodes the processor by name
func (p Processor) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes a processor name
func (p *Processor) UnmarshalText(b []byte) (err error) {
	*p, err = ParseProcessor(string(b))
	return err
}

// MarshalText encodes the orientation by name
func (o Orientation) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText decodes an orientation name
func (o *Orientation) UnmarshalText(b []byte) (err error) {
	*o, err = ParseOrientation(string(b))
	return err
}

// MarshalText encodes the rotation by name
func (r Rotation) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText decodes a rotation name
func (r *Rotation) UnmarshalText(b []byte) (err error) {
	*r, err = ParseRotation(string(b))
	return err
}
