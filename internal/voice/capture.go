package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/talescribe/internal/observe"
	"github.com/MrWong99/talescribe/pkg/audio"
)

// defaultQueueDepth bounds how many captured frames may wait for encoding.
// Beyond it frames are dropped, never reordered.
const defaultQueueDepth = 8

// ErrCaptureStarted is returned by [Capture.Start] on a capture that was
// already started or stopped.
var ErrCaptureStarted = errors.New("voice: capture already started")

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithQueueDepth sets the number of frames buffered between the device
// callback and the encoder.
func WithQueueDepth(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.depth = n
		}
	}
}

// WithCaptureMetrics sets the metrics sink for dropped frames.
func WithCaptureMetrics(m *observe.Metrics) CaptureOption {
	return func(c *Capture) { c.metrics = m }
}

// WithCaptureLogger sets the capture logger.
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *Capture) { c.log = l }
}

// Capture turns device frames into encoded media chunks off the device's own
// callback goroutine. The callback only copies the frame into a bounded
// queue; a single worker resamples, encodes and forwards, preserving capture
// order.
type Capture struct {
	dev     audio.InputDevice
	rate    int
	depth   int
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	frames  chan []float32
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewCapture creates a Capture that encodes frames from dev at rate Hz. The
// device must already be acquired; Capture never closes it.
func NewCapture(dev audio.InputDevice, rate int, opts ...CaptureOption) *Capture {
	c := &Capture{
		dev:     dev,
		rate:    rate,
		depth:   defaultQueueDepth,
		metrics: observe.DefaultMetrics(),
		log:     slog.Default(),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.frames = make(chan []float32, c.depth)
	return c
}

// Start attaches to the device and delivers every encoded frame to onFrame,
// in capture order, on the capture worker goroutine. onFrame must not call
// [Capture.Stop].
func (c *Capture) Start(onFrame func(audio.MediaChunk)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return ErrCaptureStarted
	}
	c.started = true

	// Frames pushed before the worker runs simply wait in the queue.
	if err := c.dev.Start(c.push); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.run(onFrame)
	return nil
}

// push runs on the device goroutine and must never block.
func (c *Capture) push(frame []float32) {
	select {
	case <-c.done:
		return
	default:
	}
	cp := make([]float32, len(frame))
	copy(cp, frame)
	select {
	case c.frames <- cp:
	default:
		c.metrics.RecordFrameDropped(context.Background(), "queue_full")
	}
}

func (c *Capture) run(onFrame func(audio.MediaChunk)) {
	defer c.wg.Done()
	rs := audio.Resampler{Source: c.dev.SampleRate(), Target: c.rate}
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.frames:
			onFrame(audio.EncodeFrame(rs.Resample(frame), c.rate))
		}
	}
}

// Stop detaches from the device and waits for the worker to exit. Frames
// still queued are discarded. Stop is idempotent and safe to call without a
// prior Start or after a failed Start.
func (c *Capture) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.done)
	c.mu.Unlock()
	c.wg.Wait()
}
