package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrReadTimeout is returned by Next when the origin produced nothing in time
var ErrReadTimeout = errors.New("read timeout")

// FFmpegOptions configures an ffmpeg-backed dialer
type FFmpegOptions struct {
	Path        string        // ffmpeg binary
	Loop        bool          // loop a local file forever at native rate
	ReadTimeout time.Duration // zero waits forever
	QueueSize   int           // decoded-but-unread packets kept by the reader
}

// NewFFmpegDialer returns a Dialer that spawns ffmpeg to transcode the
// source to an MJPEG pipe. HTTP still-image endpoints are polled instead.
func NewFFmpegDialer(source string, opts FFmpegOptions) Dialer {
	if opts.Path == "" {
		opts.Path = "ffmpeg"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	return func(ctx context.Context) (PacketStream, error) {
		if isHTTPImageEndpoint(source) {
			return newSnapshotStream(ctx, source, opts), nil
		}
		return startFFmpeg(ctx, source, opts)
	}
}

// SourceOpener creates an unstarted FrameSource for a video origin. loop
// replays a local file forever.
type SourceOpener func(name, source string, loop bool) FrameSource

// FFmpegSourceOpener opens StreamSources reading through ffmpeg
func FFmpegSourceOpener(ff FFmpegOptions, opts SourceOptions) SourceOpener {
	return func(name, source string, loop bool) FrameSource {
		o := ff
		o.Loop = loop
		return NewStreamSource(name, NewFFmpegDialer(source, o), opts)
	}
}

// ffmpegArgs builds the command line for a source
func ffmpegArgs(source string, loop bool) []string {
	var args []string

	switch {
	case strings.HasPrefix(source, "rtsp://"), strings.HasPrefix(source, "rtsps://"):
		args = []string{"-rtsp_transport", "tcp", "-i", source}
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		args = []string{"-i", source}
	case strings.HasPrefix(source, "/dev/video"):
		args = []string{"-f", "v4l2", "-i", source}
	default:
		if loop {
			args = append(args, "-stream_loop", "-1", "-re")
		}
		args = append(args, "-i", source)
	}

	return append(args,
		"-an",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
}

func isHTTPImageEndpoint(source string) bool {
	return (strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")) &&
		(strings.Contains(source, ".jpg") || strings.Contains(source, ".jpeg") || strings.Contains(source, "snapshot"))
}

// queueStream is the packet queue shared by the ffmpeg and snapshot readers.
// When the queue is full the oldest packet is discarded.
type queueStream struct {
	packets     chan []byte
	readTimeout time.Duration

	mu     sync.Mutex
	err    error
	closed chan struct{}
	once   sync.Once
	onStop func()
}

func newQueueStream(size int, readTimeout time.Duration, onStop func()) *queueStream {
	return &queueStream{
		packets:     make(chan []byte, size),
		readTimeout: readTimeout,
		closed:      make(chan struct{}),
		onStop:      onStop,
	}
}

func (q *queueStream) push(pkt []byte) {
	for {
		select {
		case q.packets <- pkt:
			return
		case <-q.closed:
			return
		default:
		}
		select {
		case <-q.packets:
		default:
		}
	}
}

func (q *queueStream) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.Close()
}

// Next implements PacketStream
func (q *queueStream) Next() ([]byte, error) {
	var timeout <-chan time.Time
	if q.readTimeout > 0 {
		timer := time.NewTimer(q.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case pkt := <-q.packets:
		return pkt, nil
	case <-q.closed:
		// Hand out what was queued before the failure.
		select {
		case pkt := <-q.packets:
			return pkt, nil
		default:
		}
		q.mu.Lock()
		err := q.err
		q.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return nil, err
	case <-timeout:
		return nil, ErrReadTimeout
	}
}

// Buffered implements PacketStream
func (q *queueStream) Buffered() int {
	return len(q.packets)
}

// Close implements PacketStream
func (q *queueStream) Close() error {
	q.once.Do(func() {
		close(q.closed)
		if q.onStop != nil {
			q.onStop()
		}
	})
	return nil
}

func startFFmpeg(ctx context.Context, source string, opts FFmpegOptions) (PacketStream, error) {
	cmd := exec.CommandContext(ctx, opts.Path, ffmpegArgs(source, opts.Loop)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	q := newQueueStream(opts.QueueSize, opts.ReadTimeout, func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	})

	// Keep the last stderr line as the failure reason.
	var lastLine string
	var lineMu sync.Mutex
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			lineMu.Lock()
			lastLine = scanner.Text()
			lineMu.Unlock()
		}
	}()

	go func() {
		frameBuffer := make([]byte, 0, 1024*1024)
		chunk := make([]byte, 32*1024)

		for {
			n, err := stdout.Read(chunk)
			if n > 0 {
				frameBuffer = append(frameBuffer, chunk[:n]...)
				for {
					frame := extractJPEGFrame(&frameBuffer)
					if frame == nil {
						break
					}
					q.push(frame)
				}
			}
			if err != nil {
				waitErr := cmd.Wait()
				lineMu.Lock()
				reason := lastLine
				lineMu.Unlock()
				switch {
				case waitErr != nil && reason != "":
					q.fail(fmt.Errorf("ffmpeg exited: %v: %s", waitErr, reason))
				case waitErr != nil:
					q.fail(fmt.Errorf("ffmpeg exited: %w", waitErr))
				default:
					q.fail(io.EOF)
				}
				return
			}
		}
	}()

	return q, nil
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		// No frame can start here; keep the last byte in case it is 0xFF.
		*buffer = (*buffer)[len(*buffer)-1:]
		return nil
	}

	// Find JPEG end marker (FFD9)
	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// newSnapshotStream polls a still-image URL about five times per second
func newSnapshotStream(ctx context.Context, url string, opts FFmpegOptions) PacketStream {
	ctx, cancel := context.WithCancel(ctx)
	q := newQueueStream(opts.QueueSize, opts.ReadTimeout, cancel)
	client := &http.Client{Timeout: 10 * time.Second}

	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		failures := 0

		for {
			select {
			case <-ctx.Done():
				q.fail(ctx.Err())
				return
			case <-ticker.C:
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				q.fail(err)
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				failures++
				if failures >= 3 {
					q.fail(fmt.Errorf("snapshot fetch failed: %w", err))
					return
				}
				continue
			}
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil || resp.StatusCode != http.StatusOK {
				failures++
				if failures >= 3 {
					q.fail(fmt.Errorf("snapshot fetch failed: status %d", resp.StatusCode))
					return
				}
				continue
			}
			failures = 0
			q.push(data)
		}
	}()

	return q
}
