package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"medlabel/internal/imaging"
	"medlabel/internal/labels"
	"medlabel/internal/logger"
)

// ErrSourceExhausted ends a worker when the live source is down and the
// fallback asset cannot be opened either.
var ErrSourceExhausted = errors.New("video source and fallback unavailable")

const signatureTextPrefix = 64

// WorkerOptions controls a channel's processing loop
type WorkerOptions struct {
	Stability StabilityOptions

	MinConfidence float64 // detector confidence threshold
	NMSIoU        float64 // detector NMS threshold

	CropMargin        float64
	MaxRegionSide     int // recognized regions are downscaled to fit
	MinLineConfidence float64
	DeliveryScale     float64 // scale of the annotated frame sent to the dispatcher

	CycleSleep       time.Duration
	StaleAfter       time.Duration // a live frame older than this is not used
	FallbackAfter    time.Duration // live outage before switching to the fallback asset
	ModelCallTimeout time.Duration // zero disables
}

// DefaultWorkerOptions returns the loop defaults
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Stability:         DefaultStabilityOptions(),
		MinConfidence:     0.30,
		NMSIoU:            0.40,
		CropMargin:        0.08,
		MaxRegionSide:     400,
		MinLineConfidence: 0.35,
		DeliveryScale:     0.5,
		CycleSleep:        10 * time.Millisecond,
		StaleAfter:        1500 * time.Millisecond,
		FallbackAfter:     5 * time.Second,
	}
}

// WorkerDeps are the collaborators of one ChannelWorker
type WorkerDeps struct {
	Source     FrameSource
	Fallback   func() (FrameSource, error) // nil disables the fallback
	Detector   Detector
	Recognizer Recognizer
	Dispatcher Dispatcher
	Bus        *EventBus      // optional
	Preview    FramePublisher // optional
	Log        *logger.Logger // optional
}

// WorkerStats contains per-channel processing counters
type WorkerStats struct {
	FramesProcessed  uint64    `json:"frames_processed"`
	StableFrames     uint64    `json:"stable_frames"`
	Recognitions     uint64    `json:"recognitions"`
	Deliveries       uint64    `json:"deliveries"`
	DeliveryFailures uint64    `json:"delivery_failures"`
	Duplicates       uint64    `json:"duplicates"`
	Errors           uint64    `json:"errors"`
	UsingFallback    bool      `json:"using_fallback"`
	LastRecognition  time.Time `json:"last_recognition,omitempty"`
	LastText         string    `json:"last_text,omitempty"`
}

// ChannelWorker runs one channel's loop: frame, detect, track, gate,
// recognize, deduplicate, deliver. Its tracker and dedup signature are
// touched only by the goroutine executing Run.
type ChannelWorker struct {
	cfg  ChannelConfig
	opts WorkerOptions
	deps WorkerDeps

	tracker       *StabilityTracker
	lastSignature string

	fallback     FrameSource
	lastFrom     FrameSource
	lastSeq      uint64
	lastLiveTime time.Time

	stopping atomic.Bool
	ran      atomic.Bool
	done     chan struct{}

	stats   WorkerStats
	statsMu sync.RWMutex
}

// NewChannelWorker creates a worker. Nothing runs until Run is called.
func NewChannelWorker(cfg ChannelConfig, deps WorkerDeps, opts WorkerOptions) *ChannelWorker {
	return &ChannelWorker{
		cfg:     cfg,
		opts:    opts,
		deps:    deps,
		tracker: NewStabilityTracker(opts.Stability),
		done:    make(chan struct{}),
	}
}

// Config returns the channel configuration
func (w *ChannelWorker) Config() ChannelConfig {
	return w.cfg
}

// Run executes the loop until Stop is called or the video sources are
// exhausted. It may be called once.
func (w *ChannelWorker) Run() error {
	if !w.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("worker for channel %s already ran", w.cfg.Name)
	}
	defer close(w.done)
	defer w.releaseSources()

	w.deps.Source.Start()
	w.lastLiveTime = time.Now()

	log.Printf("[Worker] Channel %s started (source: %s, model: %s, processor: %s)",
		w.cfg.Name, w.cfg.Source, w.cfg.Model, w.cfg.Processor)

	for !w.stopping.Load() {
		frame, err := w.nextFrame()
		if err != nil {
			w.deps.Log.Critical(logger.StreamSourceExhausted, "channel %s: %v", w.cfg.Name, err)
			return err
		}
		if frame != nil {
			w.processSafely(frame)
		}
		if w.opts.CycleSleep > 0 {
			time.Sleep(w.opts.CycleSleep)
		}
	}

	log.Printf("[Worker] Channel %s stopped", w.cfg.Name)
	return nil
}

// Stop asks the loop to exit after the current cycle. An in-flight model
// call is allowed to complete.
func (w *ChannelWorker) Stop() {
	w.stopping.Store(true)
}

// Wait blocks until Run has returned
func (w *ChannelWorker) Wait() {
	<-w.done
}

// Done is closed when Run returns
func (w *ChannelWorker) Done() <-chan struct{} {
	return w.done
}

// Stats returns a snapshot of the processing counters
func (w *ChannelWorker) Stats() WorkerStats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.stats
}

// SourceStats returns the live source counters
func (w *ChannelWorker) SourceStats() SourceStats {
	return w.deps.Source.Stats()
}

func (w *ChannelWorker) releaseSources() {
	w.deps.Source.Stop()
	if w.fallback != nil {
		w.fallback.Stop()
		w.fallback = nil
	}
}

// nextFrame returns a frame not processed before, or nil when there is none
// this cycle. Once the live source has been silent for FallbackAfter the
// looping fallback source is used until live frames return.
func (w *ChannelWorker) nextFrame() (*Frame, error) {
	now := time.Now()

	if f := w.deps.Source.GetLatest(); f != nil && w.fresh(f, now) {
		w.lastLiveTime = now
		if w.fallback != nil {
			w.fallback.Stop()
			w.fallback = nil
			w.setFallback(false)
			w.deps.Log.Info(logger.StreamReconnecting, "channel %s: live source recovered", w.cfg.Name)
		}
		return w.unseen(f, w.deps.Source), nil
	}

	if now.Sub(w.lastLiveTime) < w.opts.FallbackAfter {
		return nil, nil
	}

	if w.fallback == nil {
		if w.deps.Fallback == nil {
			return nil, nil
		}
		src, err := w.deps.Fallback()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceExhausted, err)
		}
		src.Start()
		w.fallback = src
		w.setFallback(true)
		w.deps.Log.Warning(logger.StreamFallbackActive, "channel %s: live source unavailable for %s, using fallback",
			w.cfg.Name, now.Sub(w.lastLiveTime).Round(time.Millisecond))
	}

	f := w.fallback.GetLatest()
	if f == nil {
		return nil, nil
	}
	return w.unseen(f, w.fallback), nil
}

func (w *ChannelWorker) fresh(f *Frame, now time.Time) bool {
	return w.opts.StaleAfter <= 0 || now.Sub(f.Timestamp) < w.opts.StaleAfter
}

// unseen filters out a frame already handled in an earlier cycle
func (w *ChannelWorker) unseen(f *Frame, src FrameSource) *Frame {
	if src == w.lastFrom && f.Seq == w.lastSeq {
		return nil
	}
	w.lastFrom = src
	w.lastSeq = f.Seq
	return f
}

func (w *ChannelWorker) processSafely(frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			w.countError()
			log.Printf("[Worker] Channel %s: recovered from panic in frame %d: %v", w.cfg.Name, frame.Seq, r)
		}
	}()
	w.process(frame)
}

func (w *ChannelWorker) process(frame *Frame) {
	w.statsMu.Lock()
	w.stats.FramesProcessed++
	w.statsMu.Unlock()

	ctx, cancel := w.callContext()
	dets, err := w.deps.Detector.Detect(ctx, frame, w.opts.MinConfidence, w.opts.NMSIoU)
	cancel()
	if err != nil {
		w.countError()
		w.deps.Log.Error(logger.ModelInferenceError, "channel %s: detection failed: %v", w.cfg.Name, err)
		return
	}

	cand, stable := w.tracker.Update(dets, frame.Width(), frame.Height())

	var event *RecognitionEvent
	if cand != nil && stable {
		w.statsMu.Lock()
		w.stats.StableFrames++
		w.statsMu.Unlock()

		region := imaging.CropWithMargin(frame.Image, cand.BBox.Rect(), w.opts.CropMargin)
		if !region.Bounds().Empty() {
			if gate := w.tracker.Gate(region); gate.Decision == GateFire {
				event = w.recognize(frame, *cand, region, gate.Hash)
			}
		}
	}

	w.publishPreview(frame, dets, cand, stable)

	if event != nil && w.deps.Bus != nil {
		w.deps.Bus.Publish(event)
	}
}

func (w *ChannelWorker) callContext() (context.Context, context.CancelFunc) {
	if w.opts.ModelCallTimeout > 0 {
		return context.WithTimeout(context.Background(), w.opts.ModelCallTimeout)
	}
	return context.WithCancel(context.Background())
}

// callRecognizer reports a recognizer panic as an error so the gate still
// enters its cooldown.
func (w *ChannelWorker) callRecognizer(region image.Image) (res *RecognitionResult, err error) {
	ctx, cancel := w.callContext()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recognizer panic: %v", r)
		}
	}()
	return w.deps.Recognizer.Recognize(ctx, region, w.cfg.Orientation)
}

// recognize runs the recognizer on region and delivers the result when it
// differs from the last one delivered for this channel.
func (w *ChannelWorker) recognize(frame *Frame, cand Detection, region *image.RGBA, hash imaging.Hash) *RecognitionEvent {
	region = rotate(region, w.cfg.Rotation)
	if w.opts.MaxRegionSide > 0 {
		region = imaging.FitWithin(region, w.opts.MaxRegionSide)
	}

	raw, err := w.callRecognizer(region)

	w.statsMu.Lock()
	w.stats.Recognitions++
	w.statsMu.Unlock()

	if err != nil {
		w.tracker.Fired(hash, false)
		w.countError()
		w.deps.Log.Error(logger.RecognitionFailed, "channel %s: recognition failed: %v", w.cfg.Name, err)
		return nil
	}

	res := w.completeResult(raw)
	if strings.TrimSpace(res.Text) == "" && len(res.Fields) == 0 {
		w.tracker.Fired(hash, false)
		return nil
	}
	w.tracker.Fired(hash, true)

	w.statsMu.Lock()
	w.stats.LastRecognition = time.Now()
	w.stats.LastText = res.Text
	w.statsMu.Unlock()

	event := &RecognitionEvent{
		ID:        uuid.New().String(),
		Channel:   w.cfg.Name,
		FrameSeq:  frame.Seq,
		Timestamp: time.Now(),
		Detection: cand,
		Result:    res,
	}

	sig := Signature(res)
	if sig == w.lastSignature {
		event.Duplicate = true
		w.statsMu.Lock()
		w.stats.Duplicates++
		w.statsMu.Unlock()
		return event
	}
	w.lastSignature = sig

	annotated := imaging.Annotate(frame.Image, []imaging.Overlay{{
		Rect:  cand.BBox.Rect(),
		Label: summary(res),
		Color: imaging.ColorStable,
	}})
	var payload image.Image = annotated
	if w.opts.DeliveryScale > 0 && w.opts.DeliveryScale != 1 {
		payload = imaging.Scale(annotated, w.opts.DeliveryScale)
	}
	jpeg, err := imaging.EncodeJPEG(payload, 85)
	if err != nil {
		w.countError()
		log.Printf("[Worker] Channel %s: failed to encode delivery frame: %v", w.cfg.Name, err)
	}
	event.ImageData = jpeg

	ctx, cancel := context.WithCancel(context.Background())
	event.Delivered = w.deps.Dispatcher.Deliver(ctx, &Delivery{
		Channel:   w.cfg.Name,
		Endpoint:  w.cfg.Endpoint,
		Fields:    res.Fields,
		Text:      res.Text,
		Image:     jpeg,
		Artifact:  res.ArtifactRef,
		Timestamp: event.Timestamp,
	})
	cancel()

	w.statsMu.Lock()
	if event.Delivered {
		w.stats.Deliveries++
	} else {
		w.stats.DeliveryFailures++
	}
	w.statsMu.Unlock()

	return event
}

// completeResult copies the recognizer output and derives lot and expiry
// fields from its lines when the recognizer supplied none.
func (w *ChannelWorker) completeResult(raw *RecognitionResult) *RecognitionResult {
	res := &RecognitionResult{}
	if raw == nil {
		return res
	}
	res.Text = raw.Text
	res.ArtifactRef = raw.ArtifactRef
	res.Lines = append([]TextLine(nil), raw.Lines...)
	if len(raw.Fields) > 0 {
		res.Fields = make(map[string]string, len(raw.Fields))
		for k, v := range raw.Fields {
			res.Fields[k] = v
		}
		return res
	}

	lines := make([]labels.Line, 0, len(raw.Lines))
	for _, l := range raw.Lines {
		lines = append(lines, labels.Line{Text: l.Text, Confidence: l.Confidence})
	}
	if len(lines) == 0 && raw.Text != "" {
		lines = append(lines, labels.Line{Text: raw.Text, Confidence: 1})
	}
	extracted := labels.Extract(lines, w.opts.MinLineConfidence)
	if m := extracted.Map(); len(m) > 0 {
		res.Fields = m
	}
	if res.Text == "" {
		res.Text = extracted.Text
	}
	return res
}

func (w *ChannelWorker) publishPreview(frame *Frame, dets []Detection, cand *Detection, stable bool) {
	if w.deps.Preview == nil {
		return
	}

	overlays := make([]imaging.Overlay, 0, len(dets))
	for _, d := range dets {
		c := imaging.ColorTracking
		if stable && cand != nil && d == *cand {
			c = imaging.ColorStable
		}
		name := d.Class
		if name == "" {
			name = fmt.Sprintf("class %d", d.ClassID)
		}
		overlays = append(overlays, imaging.Overlay{
			Rect:  d.BBox.Rect(),
			Label: fmt.Sprintf("%s %.0f%%", name, d.Confidence*100),
			Color: c,
		})
	}

	jpeg, err := imaging.EncodeJPEG(imaging.Annotate(frame.Image, overlays), 80)
	if err != nil {
		return
	}
	w.deps.Preview.SetAnnotatedFrame(w.cfg.Name, frame.Seq, jpeg)
}

func (w *ChannelWorker) setFallback(v bool) {
	w.statsMu.Lock()
	w.stats.UsingFallback = v
	w.statsMu.Unlock()
}

func (w *ChannelWorker) countError() {
	w.statsMu.Lock()
	w.stats.Errors++
	w.statsMu.Unlock()
}

// Signature derives the dedup key of a result from its fields and the
// start of its text.
func Signature(res *RecognitionResult) string {
	if res == nil {
		return ""
	}
	keys := make([]string, 0, len(res.Fields))
	for k := range res.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(res.Fields[k])
		b.WriteByte(';')
	}

	text := strings.Join(strings.Fields(res.Text), " ")
	if r := []rune(text); len(r) > signatureTextPrefix {
		text = string(r[:signatureTextPrefix])
	}
	b.WriteByte('|')
	b.WriteString(text)
	return b.String()
}

func summary(res *RecognitionResult) string {
	var parts []string
	if lot := res.Fields[labels.FieldLot]; lot != "" {
		parts = append(parts, "lot:"+lot)
	}
	if exp := res.Fields[labels.FieldExpiry]; exp != "" {
		parts = append(parts, "exp:"+exp)
	}
	if len(parts) == 0 {
		return "label"
	}
	return strings.Join(parts, " ")
}

func rotate(img *image.RGBA, r Rotation) *image.RGBA {
	switch r {
	case Rotation90Clockwise:
		return imaging.Rotate(img, 1)
	case Rotation180:
		return imaging.Rotate(img, 2)
	case Rotation90CounterClockwise:
		return imaging.Rotate(img, -1)
	}
	return img
}

// FallbackOpener returns a WorkerDeps.Fallback that loops asset. Opening
// fails when the asset does not exist.
func FallbackOpener(name, asset string, open SourceOpener) func() (FrameSource, error) {
	return func() (FrameSource, error) {
		if asset == "" {
			return nil, errors.New("no fallback asset configured")
		}
		if _, err := os.Stat(asset); err != nil {
			return nil, fmt.Errorf("fallback asset: %w", err)
		}
		return open(name+"/fallback", asset, true), nil
	}
}
