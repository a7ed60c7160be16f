package pipeline

import (
	"image"

	"medlabel/internal/imaging"
)

// StabilityOptions configures a StabilityTracker
type StabilityOptions struct {
	MinStableFrames int     // consecutive matches before a target is stable
	IoUThreshold    float64 // minimum overlap to count as the same object
	MinAreaRatio    float64 // minimum box area as a fraction of the frame
	LabelClassID    int     // preferred class, -1 for any

	FocusThreshold  float64 // minimum Laplacian variance of the region
	HashDistance    int     // Hamming distance treated as the same view
	Cooldown        int     // frames skipped after recognition fires
	PartialCooldown int     // frames skipped after a blurry or duplicate view
}

// DefaultStabilityOptions returns the thresholds used when nothing is configured
func DefaultStabilityOptions() StabilityOptions {
	return StabilityOptions{
		MinStableFrames: 5,
		IoUThreshold:    0.6,
		MinAreaRatio:    0.02,
		LabelClassID:    -1,
		FocusThreshold:  100,
		HashDistance:    6,
		Cooldown:        30,
		PartialCooldown: 5,
	}
}

// StableTarget is the object a channel is currently following
type StableTarget struct {
	Box        BBox    `json:"box"`
	ClassID    int     `json:"class_id"`
	Confidence float32 `json:"confidence"`
	Count      int     `json:"count"`
}

// GateDecision is the outcome of Gate
type GateDecision int

const (
	GateNotStable GateDecision = iota
	GateCooldown
	GateBlurry
	GateDuplicate
	GateFire
)

func (d GateDecision) String() string {
	switch d {
	case GateNotStable:
		return "not_stable"
	case GateCooldown:
		return "cooldown"
	case GateBlurry:
		return "blurry"
	case GateDuplicate:
		return "duplicate"
	case GateFire:
		return "fire"
	}
	return "unknown"
}

// GateResult carries the decision and the measurements behind it
type GateResult struct {
	Decision GateDecision
	Focus    float64
	Hash     imaging.Hash
}

// StabilityTracker decides frame by frame whether the best detection is the
// same object held steady, and whether recognition should run on it.
// It is owned by one worker goroutine and is not safe for concurrent use.
type StabilityTracker struct {
	opts StabilityOptions

	target   *StableTarget
	cooldown int

	lastHash imaging.Hash
	hasHash  bool
}

// NewStabilityTracker creates a tracker with no target
func NewStabilityTracker(opts StabilityOptions) *StabilityTracker {
	if opts.MinStableFrames < 1 {
		opts.MinStableFrames = 1
	}
	return &StabilityTracker{opts: opts}
}

// Update feeds the detections of one frame of size width x height. It returns
// the chosen candidate (nil when there is none) and whether the target is
// stable after this frame.
func (t *StabilityTracker) Update(dets []Detection, width, height int) (*Detection, bool) {
	if len(dets) == 0 {
		t.reset()
		return nil, false
	}

	cand := t.pick(dets)

	frameArea := float64(width) * float64(height)
	if frameArea <= 0 || cand.BBox.Area() < t.opts.MinAreaRatio*frameArea {
		t.reset()
		return &cand, false
	}

	if t.target != nil && t.target.ClassID == cand.ClassID && cand.BBox.IoU(t.target.Box) >= t.opts.IoUThreshold {
		t.target.Count++
		t.target.Box = cand.BBox
		t.target.Confidence = cand.Confidence
	} else {
		t.target = &StableTarget{
			Box:        cand.BBox,
			ClassID:    cand.ClassID,
			Confidence: cand.Confidence,
			Count:      1,
		}
		t.cooldown = 0
	}

	return &cand, t.target.Count >= t.opts.MinStableFrames
}

// pick returns the highest-confidence detection, preferring the configured
// label class when any detection of it is present.
func (t *StabilityTracker) pick(dets []Detection) Detection {
	best := -1
	if t.opts.LabelClassID >= 0 {
		for i, d := range dets {
			if d.ClassID == t.opts.LabelClassID && (best < 0 || d.Confidence > dets[best].Confidence) {
				best = i
			}
		}
	}
	if best < 0 {
		best = 0
		for i, d := range dets {
			if d.Confidence > dets[best].Confidence {
				best = i
			}
		}
	}
	return dets[best]
}

func (t *StabilityTracker) reset() {
	t.target = nil
	t.cooldown = 0
}

// Stable reports whether the current target has met the stability run
func (t *StabilityTracker) Stable() bool {
	return t.target != nil && t.target.Count >= t.opts.MinStableFrames
}

// Target returns a copy of the current target, or nil
func (t *StabilityTracker) Target() *StableTarget {
	if t.target == nil {
		return nil
	}
	c := *t.target
	return &c
}

// CooldownRemaining returns the frames left before recognition may run again
func (t *StabilityTracker) CooldownRemaining() int {
	return t.cooldown
}

// Gate decides whether recognition runs on region, the cropped target of
// the current frame. It must be called at most once per frame, after Update.
func (t *StabilityTracker) Gate(region image.Image) GateResult {
	if !t.Stable() {
		return GateResult{Decision: GateNotStable}
	}

	if t.cooldown > 0 {
		t.cooldown--
		return GateResult{Decision: GateCooldown}
	}

	res := GateResult{Focus: imaging.FocusScore(region)}
	if res.Focus < t.opts.FocusThreshold {
		t.cooldown = t.opts.PartialCooldown
		res.Decision = GateBlurry
		return res
	}

	res.Hash = imaging.AverageHash(region)
	if t.hasHash && res.Hash.Distance(t.lastHash) <= t.opts.HashDistance {
		t.cooldown = t.opts.PartialCooldown
		res.Decision = GateDuplicate
		return res
	}

	res.Decision = GateFire
	return res
}

// Fired records a recognition attempt for the view with hash h. The full
// cooldown applies whatever the outcome; only a successful recognition
// becomes the reference for duplicate suppression.
func (t *StabilityTracker) Fired(h imaging.Hash, success bool) {
	t.cooldown = t.opts.Cooldown
	if success {
		t.lastHash = h
		t.hasHash = true
	}
}
