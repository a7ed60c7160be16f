package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// liveSource behaves like a camera: every GetLatest returns a new frame
// while a template frame is set.
type liveSource struct {
	mu       sync.Mutex
	template *Frame
	seq      uint64
	started  atomic.Int32
	stopped  atomic.Int32
}

func newLiveSource(img *image.RGBA) *liveSource {
	s := &liveSource{}
	if img != nil {
		s.template = &Frame{Image: img}
	}
	return s
}

func (s *liveSource) Start() { s.started.Add(1) }
func (s *liveSource) Stop()  { s.stopped.Add(1) }

func (s *liveSource) GetLatest() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.template == nil {
		return nil
	}
	s.seq++
	f := s.template.Clone()
	f.Seq = s.seq
	f.Timestamp = time.Now()
	return f
}

func (s *liveSource) Stats() SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SourceStats{FramesPublished: s.seq, Connected: s.template != nil, LastFrameTime: time.Now()}
}

type fakeDetector struct {
	dets  []Detection
	calls atomic.Int64
	fail  func(call int64) error
	panic func(call int64) bool
}

func (d *fakeDetector) Name() string    { return "fake" }
func (d *fakeDetector) IsHealthy() bool { return true }
func (d *fakeDetector) Close() error    { return nil }

func (d *fakeDetector) Detect(ctx context.Context, frame *Frame, conf, iou float64) ([]Detection, error) {
	n := d.calls.Add(1)
	if d.panic != nil && d.panic(n) {
		panic("detector blew up")
	}
	if d.fail != nil {
		if err := d.fail(n); err != nil {
			return nil, err
		}
	}
	return d.dets, nil
}

type fakeRecognizer struct {
	mu     sync.Mutex
	result *RecognitionResult
	err    error
	panics bool
	calls  int
	last   image.Rectangle
	orient Orientation
}

func (r *fakeRecognizer) Recognize(ctx context.Context, region image.Image, o Orientation) (*RecognitionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = region.Bounds()
	r.orient = o
	if r.panics {
		panic("recognizer blew up")
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func (r *fakeRecognizer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeDispatcher struct {
	mu         sync.Mutex
	deliveries []*Delivery
	ok         bool
}

func (d *fakeDispatcher) Deliver(ctx context.Context, del *Delivery) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, del)
	return d.ok
}

func (d *fakeDispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deliveries)
}

type fakePreview struct {
	frames atomic.Int64
}

func (p *fakePreview) SetAnnotatedFrame(channel string, seq uint64, jpeg []byte) {
	p.frames.Add(1)
}

type fakeStore struct {
	mu      sync.Mutex
	states  map[string]ChannelState
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]ChannelState)}
}

func (s *fakeStore) SaveChannel(cfg ChannelConfig, state ChannelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[cfg.Name] = state
	return nil
}

func (s *fakeStore) UpdateChannelState(name string, state ChannelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = state
	return nil
}

func (s *fakeStore) DeleteChannel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, name)
	s.deleted = append(s.deleted, name)
	return nil
}

func (s *fakeStore) State(name string) ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[name]
}

var errNoFallback = errors.New("no fallback")

// fakeBuilder builds workers over idle sources that never yield frames
type fakeBuilder struct {
	built    atomic.Int64
	err      error
	fallback func() (FrameSource, error)
	mu       sync.Mutex
	workers  []*ChannelWorker
}

func (b *fakeBuilder) NewWorker(cfg ChannelConfig) (*ChannelWorker, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.built.Add(1)
	opts := DefaultWorkerOptions()
	opts.CycleSleep = time.Millisecond
	opts.FallbackAfter = time.Hour
	if b.fallback != nil {
		opts.FallbackAfter = 5 * time.Millisecond
	}
	w := NewChannelWorker(cfg, WorkerDeps{
		Source:     newLiveSource(nil),
		Fallback:   b.fallback,
		Detector:   &fakeDetector{},
		Recognizer: &fakeRecognizer{},
		Dispatcher: &fakeDispatcher{ok: true},
	}, opts)
	b.mu.Lock()
	b.workers = append(b.workers, w)
	b.mu.Unlock()
	return w, nil
}

func (b *fakeBuilder) Worker(i int) *ChannelWorker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workers[i]
}
