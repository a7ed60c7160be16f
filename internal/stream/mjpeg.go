// Package stream serves each channel's latest annotated frame as an MJPEG
// stream and as single snapshots.
package stream

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"medlabel/internal/pipeline"
)

const clientBuffer = 5

// MJPEGStream fans one channel's annotated frames out to HTTP clients
type MJPEGStream struct {
	channel string

	currentFrame []byte
	frameSeq     uint64
	updatedAt    time.Time
	frameMu      sync.RWMutex

	clients   map[chan []byte]bool
	clientsMu sync.RWMutex
}

func newMJPEGStream(channel string) *MJPEGStream {
	return &MJPEGStream{
		channel: channel,
		clients: make(map[chan []byte]bool),
	}
}

// MJPEGStreamManager keeps one stream per channel. It implements
// pipeline.FramePublisher.
type MJPEGStreamManager struct {
	streams map[string]*MJPEGStream
	mu      sync.RWMutex
}

// NewMJPEGStreamManager creates a new stream manager
func NewMJPEGStreamManager() *MJPEGStreamManager {
	return &MJPEGStreamManager{
		streams: make(map[string]*MJPEGStream),
	}
}

// SetAnnotatedFrame implements pipeline.FramePublisher. The stream is
// created on the first frame.
func (m *MJPEGStreamManager) SetAnnotatedFrame(channel string, seq uint64, jpeg []byte) {
	if len(jpeg) == 0 {
		return
	}

	m.mu.RLock()
	s := m.streams[channel]
	m.mu.RUnlock()

	if s == nil {
		m.mu.Lock()
		if s = m.streams[channel]; s == nil {
			s = newMJPEGStream(channel)
			m.streams[channel] = s
		}
		m.mu.Unlock()
	}
	s.SetAnnotatedFrame(seq, jpeg)
}

// GetStream returns the channel's stream or nil
func (m *MJPEGStreamManager) GetStream(channel string) *MJPEGStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[channel]
}

// DeleteStream disconnects the channel's clients and drops its stream
func (m *MJPEGStreamManager) DeleteStream(channel string) {
	m.mu.Lock()
	s, ok := m.streams[channel]
	delete(m.streams, channel)
	m.mu.Unlock()

	if ok {
		s.Stop()
	}
}

// ServeStream serves the MJPEG stream of a channel
func (m *MJPEGStreamManager) ServeStream(w http.ResponseWriter, r *http.Request, channel string) {
	s := m.GetStream(channel)
	if s == nil {
		http.Error(w, fmt.Sprintf("Stream not found for channel %s", channel), http.StatusNotFound)
		return
	}
	s.ServeHTTP(w, r)
}

// ServeSnapshot serves the channel's latest frame as a single JPEG
func (m *MJPEGStreamManager) ServeSnapshot(w http.ResponseWriter, r *http.Request, channel string) {
	s := m.GetStream(channel)
	if s == nil {
		http.Error(w, fmt.Sprintf("Stream not found for channel %s", channel), http.StatusNotFound)
		return
	}

	frame, _ := s.GetCurrentFrame()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.Write(frame)
}

// SetAnnotatedFrame stores the frame and broadcasts it. Slow clients skip
// frames instead of blocking the channel worker.
func (s *MJPEGStream) SetAnnotatedFrame(seq uint64, frame []byte) {
	s.frameMu.Lock()
	s.currentFrame = frame
	s.frameSeq = seq
	s.updatedAt = time.Now()
	s.frameMu.Unlock()

	s.clientsMu.RLock()
	for ch := range s.clients {
		select {
		case ch <- frame:
		default:
		}
	}
	s.clientsMu.RUnlock()
}

// GetCurrentFrame returns the latest frame and its sequence number
func (s *MJPEGStream) GetCurrentFrame() ([]byte, uint64) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.currentFrame, s.frameSeq
}

// ClientCount returns the number of connected clients
func (s *MJPEGStream) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Stop disconnects all clients
func (s *MJPEGStream) Stop() {
	s.clientsMu.Lock()
	for ch := range s.clients {
		close(ch)
		delete(s.clients, ch)
	}
	s.clientsMu.Unlock()
}

// ServeHTTP serves the MJPEG stream to a client
func (s *MJPEGStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientCh := make(chan []byte, clientBuffer)
	s.clientsMu.Lock()
	s.clients[clientCh] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, clientCh)
		s.clientsMu.Unlock()
	}()

	log.Printf("[MJPEGStream] Client connected to channel %s", s.channel)

	// Start with the last frame so the client does not wait for the next one
	if frame, _ := s.GetCurrentFrame(); frame != nil {
		writePart(w, frame)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			log.Printf("[MJPEGStream] Client disconnected from channel %s", s.channel)
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\r\n")
	return err
}

var _ pipeline.FramePublisher = (*MJPEGStreamManager)(nil)
