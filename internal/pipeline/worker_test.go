package pipeline

import (
	"errors"
	"image"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medlabel/internal/labels"
)

func testWorkerOptions() WorkerOptions {
	opts := DefaultWorkerOptions()
	opts.CycleSleep = time.Millisecond
	opts.Stability.MinStableFrames = 2
	opts.Stability.FocusThreshold = 0
	opts.Stability.HashDistance = -1 // never treat a view as already seen
	opts.Stability.Cooldown = 1
	opts.Stability.PartialCooldown = 0
	opts.FallbackAfter = time.Hour
	return opts
}

func labelDetection() []Detection {
	return []Detection{{BBox: BBox{X1: 8, Y1: 8, X2: 56, Y2: 40}, ClassID: 0, Class: "label", Confidence: 0.9}}
}

func runWorker(t *testing.T, w *ChannelWorker) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- w.Run() }()
	t.Cleanup(func() {
		w.Stop()
		w.Wait()
	})
	return errc
}

func TestWorkerDeliversOnlyChangedResults(t *testing.T) {
	rec := &fakeRecognizer{result: &RecognitionResult{
		Text:  "LOT AB123 EXP 2026-08",
		Lines: []TextLine{{Text: "LOT AB123", Confidence: 0.9}, {Text: "EXP 2026-08", Confidence: 0.9}},
	}}
	disp := &fakeDispatcher{ok: true}
	bus := NewEventBus()
	events, unsubscribe := bus.Listen("line-1", 32)
	defer unsubscribe()

	w := NewChannelWorker(ChannelConfig{Name: "line-1", Endpoint: "http://hook", Orientation: OrientationLandscape}, WorkerDeps{
		Source:     newLiveSource(pattern(64, 8, false)),
		Detector:   &fakeDetector{dets: labelDetection()},
		Recognizer: rec,
		Dispatcher: disp,
		Bus:        bus,
	}, testWorkerOptions())
	runWorker(t, w)

	require.Eventually(t, func() bool { return rec.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	w.Wait()

	assert.Equal(t, 1, disp.Count())
	d := disp.deliveries[0]
	assert.Equal(t, "line-1", d.Channel)
	assert.Equal(t, "http://hook", d.Endpoint)
	assert.Equal(t, map[string]string{labels.FieldLot: "AB123", labels.FieldExpiry: "2026-08"}, d.Fields)
	require.NotEmpty(t, d.Image)
	assert.Equal(t, []byte{0xFF, 0xD8}, d.Image[:2])
	assert.Equal(t, OrientationLandscape, rec.orient)

	first := <-events
	assert.False(t, first.Duplicate)
	assert.True(t, first.Delivered)
	second := <-events
	assert.True(t, second.Duplicate)

	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.Deliveries)
	assert.GreaterOrEqual(t, stats.Duplicates, uint64(2))
}

func TestWorkerSurvivesDetectorErrorsAndPanics(t *testing.T) {
	det := &fakeDetector{
		dets: labelDetection(),
		fail: func(n int64) error {
			if n%3 == 0 {
				return errors.New("inference failed")
			}
			return nil
		},
		panic: func(n int64) bool { return n == 2 },
	}
	w := NewChannelWorker(ChannelConfig{Name: "c"}, WorkerDeps{
		Source:     newLiveSource(pattern(64, 8, false)),
		Detector:   det,
		Recognizer: &fakeRecognizer{err: errors.New("ocr down")},
		Dispatcher: &fakeDispatcher{},
	}, testWorkerOptions())
	errc := runWorker(t, w)

	require.Eventually(t, func() bool { return det.calls.Load() >= 20 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	w.Wait()

	assert.NoError(t, <-errc)
	stats := w.Stats()
	assert.Greater(t, stats.Errors, uint64(3))
	assert.Zero(t, stats.Deliveries)
}

func TestWorkerRecognizerPanicStillStartsCooldown(t *testing.T) {
	rec := &fakeRecognizer{panics: true}
	det := &fakeDetector{dets: labelDetection()}
	opts := testWorkerOptions()
	opts.Stability.Cooldown = 100000

	w := NewChannelWorker(ChannelConfig{Name: "c"}, WorkerDeps{
		Source:     newLiveSource(pattern(64, 8, false)),
		Detector:   det,
		Recognizer: rec,
		Dispatcher: &fakeDispatcher{},
	}, opts)
	errc := runWorker(t, w)

	require.Eventually(t, func() bool { return det.calls.Load() >= 50 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	w.Wait()

	assert.NoError(t, <-errc)
	assert.Equal(t, 1, rec.Calls())
	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.Recognitions)
	assert.GreaterOrEqual(t, stats.Errors, uint64(1))
}

func TestWorkerSkipsEmptyRecognition(t *testing.T) {
	rec := &fakeRecognizer{result: &RecognitionResult{Text: "   "}}
	disp := &fakeDispatcher{ok: true}
	w := NewChannelWorker(ChannelConfig{Name: "c"}, WorkerDeps{
		Source:     newLiveSource(pattern(64, 8, false)),
		Detector:   &fakeDetector{dets: labelDetection()},
		Recognizer: rec,
		Dispatcher: disp,
	}, testWorkerOptions())
	runWorker(t, w)

	require.Eventually(t, func() bool { return rec.Calls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, disp.Count())
}

func TestWorkerRotatesRegion(t *testing.T) {
	rec := &fakeRecognizer{result: &RecognitionResult{Text: "x"}}
	opts := testWorkerOptions()
	opts.CropMargin = 0
	w := NewChannelWorker(ChannelConfig{Name: "c", Rotation: Rotation90Clockwise}, WorkerDeps{
		Source:     newLiveSource(pattern(64, 8, false)),
		Detector:   &fakeDetector{dets: labelDetection()},
		Recognizer: rec,
		Dispatcher: &fakeDispatcher{ok: true},
	}, opts)
	runWorker(t, w)

	require.Eventually(t, func() bool { return rec.Calls() >= 1 }, 2*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	// 48x32 box turned a quarter.
	assert.Equal(t, image.Rect(0, 0, 32, 48), rec.last)
}

func TestWorkerEndsWhenFallbackMissing(t *testing.T) {
	opts := testWorkerOptions()
	opts.FallbackAfter = 10 * time.Millisecond
	open := func(name, source string, loop bool) FrameSource { return newLiveSource(nil) }

	live := newLiveSource(nil)
	w := NewChannelWorker(ChannelConfig{Name: "c"}, WorkerDeps{
		Source:     live,
		Fallback:   FallbackOpener("c", "/nonexistent/fallback.mp4", open),
		Detector:   &fakeDetector{},
		Recognizer: &fakeRecognizer{},
		Dispatcher: &fakeDispatcher{},
	}, opts)

	errc := make(chan error, 1)
	go func() { errc <- w.Run() }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrSourceExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not end")
	}
	assert.Equal(t, int32(1), live.stopped.Load())
}

func TestWorkerUsesFallbackWhileLiveIsDown(t *testing.T) {
	opts := testWorkerOptions()
	opts.FallbackAfter = 10 * time.Millisecond
	fallback := newLiveSource(pattern(64, 8, false))
	det := &fakeDetector{}

	w := NewChannelWorker(ChannelConfig{Name: "c"}, WorkerDeps{
		Source:     newLiveSource(nil),
		Fallback:   func() (FrameSource, error) { return fallback, nil },
		Detector:   det,
		Recognizer: &fakeRecognizer{},
		Dispatcher: &fakeDispatcher{},
	}, opts)
	runWorker(t, w)

	require.Eventually(t, func() bool { return det.calls.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, w.Stats().UsingFallback)
	assert.Equal(t, int32(1), fallback.started.Load())
}

func TestWorkerPublishesPreview(t *testing.T) {
	preview := &fakePreview{}
	w := NewChannelWorker(ChannelConfig{Name: "c"}, WorkerDeps{
		Source:     newLiveSource(pattern(64, 8, false)),
		Detector:   &fakeDetector{dets: labelDetection()},
		Recognizer: &fakeRecognizer{},
		Dispatcher: &fakeDispatcher{},
		Preview:    preview,
	}, testWorkerOptions())
	runWorker(t, w)

	require.Eventually(t, func() bool { return preview.frames.Load() > 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerRunsOnce(t *testing.T) {
	w := NewChannelWorker(ChannelConfig{Name: "c"}, WorkerDeps{
		Source:     newLiveSource(nil),
		Detector:   &fakeDetector{},
		Recognizer: &fakeRecognizer{},
		Dispatcher: &fakeDispatcher{},
	}, testWorkerOptions())
	w.Stop()
	require.NoError(t, w.Run())
	assert.Error(t, w.Run())
}

func TestSignature(t *testing.T) {
	a := &RecognitionResult{Text: "LOT  AB123\nEXP 2026-08", Fields: map[string]string{"lot": "AB123", "expiry": "2026-08"}}
	b := &RecognitionResult{Text: "LOT AB123 EXP 2026-08", Fields: map[string]string{"expiry": "2026-08", "lot": "AB123"}}
	assert.Equal(t, Signature(a), Signature(b))

	c := &RecognitionResult{Text: "LOT AB124 EXP 2026-08", Fields: map[string]string{"lot": "AB124", "expiry": "2026-08"}}
	assert.NotEqual(t, Signature(a), Signature(c))

	long1 := &RecognitionResult{Text: strings.Repeat("A", 80) + "1"}
	long2 := &RecognitionResult{Text: strings.Repeat("A", 80) + "2"}
	assert.Equal(t, Signature(long1), Signature(long2), "only the text prefix counts")
}

func TestCompleteResultKeepsRecognizerFields(t *testing.T) {
	w := NewChannelWorker(ChannelConfig{}, WorkerDeps{}, DefaultWorkerOptions())
	raw := &RecognitionResult{Text: "x", Fields: map[string]string{"lot": "Z9"}}
	res := w.completeResult(raw)
	assert.Equal(t, map[string]string{"lot": "Z9"}, res.Fields)

	res.Fields["lot"] = "changed"
	assert.Equal(t, "Z9", raw.Fields["lot"])
}

func TestCompleteResultExtractsFromText(t *testing.T) {
	w := NewChannelWorker(ChannelConfig{}, WorkerDeps{}, DefaultWorkerOptions())
	res := w.completeResult(&RecognitionResult{Text: "Batch 77XQ exp 05/2028"})
	assert.Equal(t, "77XQ", res.Fields[labels.FieldLot])
	assert.Equal(t, "2028-05", res.Fields[labels.FieldExpiry])
}
