package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// PacketStream is one connection to a video origin yielding encoded frames
type PacketStream interface {
	// Next blocks until the next packet is available
	Next() ([]byte, error)

	// Buffered returns the number of packets that can be read without blocking
	Buffered() int

	// Close releases the connection and unblocks Next
	Close() error
}

// Dialer opens a new PacketStream
type Dialer func(ctx context.Context) (PacketStream, error)

// SourceOptions controls acquisition timing
type SourceOptions struct {
	WarmupReads    int
	MaxDrain       int
	ReadSleep      time.Duration
	ReconnectDelay time.Duration
}

// DefaultSourceOptions returns the acquisition defaults
func DefaultSourceOptions() SourceOptions {
	return SourceOptions{
		WarmupReads:    5,
		MaxDrain:       8,
		ReadSleep:      time.Millisecond,
		ReconnectDelay: 2 * time.Second,
	}
}

// StreamSource keeps a persistent connection open and publishes only the
// most recently decoded frame. Transport failures are retried forever.
type StreamSource struct {
	name string
	dial Dialer
	opts SourceOptions

	mu     sync.Mutex
	latest *Frame

	seq     atomic.Uint64
	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	stats   SourceStats
	statsMu sync.RWMutex
}

// NewStreamSource creates a source; nothing happens until Start
func NewStreamSource(name string, dial Dialer, opts SourceOptions) *StreamSource {
	if opts.MaxDrain < 0 {
		opts.MaxDrain = 0
	}
	return &StreamSource{
		name:  name,
		dial:  dial,
		opts:  opts,
		done:  make(chan struct{}),
		stats: SourceStats{Source: name},
	}
}

// Start implements FrameSource
func (s *StreamSource) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

// Stop implements FrameSource. It waits for the acquisition loop to exit.
func (s *StreamSource) Stop() {
	s.lifeMu.Lock()
	cancel := s.cancel
	s.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}

// GetLatest implements FrameSource
func (s *StreamSource) GetLatest() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest.Clone()
}

// LatestAge returns how old the latest frame is, or false when there is none
func (s *StreamSource) LatestAge() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return 0, false
	}
	return time.Since(s.latest.Timestamp), true
}

// Stats implements FrameSource
func (s *StreamSource) Stats() SourceStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

func (s *StreamSource) run(ctx context.Context) {
	defer close(s.done)

	log.Printf("[FrameSource] Starting acquisition for %s", s.name)
	for {
		err := s.session(ctx)
		s.publish(nil)
		s.setConnected(false)

		if ctx.Err() != nil {
			log.Printf("[FrameSource] Stopped acquisition for %s", s.name)
			return
		}

		s.statsMu.Lock()
		s.stats.Reconnects++
		if err != nil {
			s.stats.LastError = err.Error()
		}
		s.statsMu.Unlock()
		log.Printf("[FrameSource] %s: %v, reconnecting in %s", s.name, err, s.opts.ReconnectDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.ReconnectDelay):
		}
	}
}

// session runs one connection until it fails. Panics in the transport are
// converted to errors so the outer loop always reconnects.
func (s *StreamSource) session(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in acquisition: %v", r)
		}
	}()

	stream, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	// Close the stream on cancellation to unblock Next.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-sessionDone:
		}
		stream.Close()
	}()

	for i := 0; i < s.opts.WarmupReads; i++ {
		if _, err := stream.Next(); err != nil {
			return fmt.Errorf("warm-up read failed: %w", err)
		}
		s.countRead(1, 1)
	}
	s.setConnected(true)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pkt, err := stream.Next()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		s.countRead(1, 0)

		// Skip the backlog, keep only the newest packet.
		for i := 0; i < s.opts.MaxDrain && stream.Buffered() > 0; i++ {
			next, err := stream.Next()
			if err != nil {
				return fmt.Errorf("read failed: %w", err)
			}
			pkt = next
			s.countRead(1, 1)
		}

		frame, err := decodeFrame(pkt)
		if err != nil {
			s.statsMu.Lock()
			s.stats.DecodeErrors++
			s.stats.LastError = err.Error()
			s.statsMu.Unlock()
		} else {
			frame.Seq = s.seq.Add(1)
			s.publish(frame)
		}

		if s.opts.ReadSleep > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.ReadSleep):
			}
		}
	}
}

func (s *StreamSource) publish(frame *Frame) {
	s.mu.Lock()
	s.latest = frame
	s.mu.Unlock()

	if frame == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.FramesPublished++
	s.stats.LastFrameTime = frame.Timestamp
	s.statsMu.Unlock()
}

func (s *StreamSource) countRead(read, drained uint64) {
	s.statsMu.Lock()
	s.stats.FramesRead += read
	s.stats.FramesDrained += drained
	s.statsMu.Unlock()
}

func (s *StreamSource) setConnected(v bool) {
	s.statsMu.Lock()
	s.stats.Connected = v
	s.statsMu.Unlock()
}

var errEmptyPacket = errors.New("empty packet")

func decodeFrame(pkt []byte) (*Frame, error) {
	if len(pkt) == 0 {
		return nil, errEmptyPacket
	}
	img, err := jpeg.Decode(bytes.NewReader(pkt))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &Frame{
		Image:     ToRGBA(img),
		Data:      pkt,
		Timestamp: time.Now(),
	}, nil
}

var _ FrameSource = (*StreamSource)(nil)
