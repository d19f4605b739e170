package voice

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/talescribe/pkg/audio"
	amock "github.com/MrWong99/talescribe/pkg/audio/mock"
)

// chunkRecorder collects chunks delivered by a Capture.
type chunkRecorder struct {
	mu     sync.Mutex
	chunks []audio.MediaChunk
	got    chan struct{}
}

func newChunkRecorder() *chunkRecorder {
	return &chunkRecorder{got: make(chan struct{}, 64)}
}

func (r *chunkRecorder) onFrame(c audio.MediaChunk) {
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *chunkRecorder) wait(t *testing.T, n int) []audio.MediaChunk {
	t.Helper()
	for range n {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d chunks", n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audio.MediaChunk(nil), r.chunks...)
}

func decodeMono(t *testing.T, c audio.MediaChunk) []float32 {
	t.Helper()
	seg, err := audio.DecodeChunk(c.Data, audio.ParseRate(c.MIMEType, 0), 1)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	return seg.Channels[0]
}

func TestCapture_EncodesFramesInOrder(t *testing.T) {
	t.Parallel()

	in := &amock.Input{Rate: 16000}
	c := NewCapture(in, 16000)
	rec := newChunkRecorder()
	if err := c.Start(rec.onFrame); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	values := []float32{0.25, -0.5, 0.125}
	for _, v := range values {
		if !in.Emit([]float32{v, v}) {
			t.Fatal("Emit: no callback registered")
		}
		// One frame at a time keeps the queue from overflowing.
		rec.wait(t, 1)
	}

	chunks := rec.wait(t, 0)
	if len(chunks) != len(values) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(values))
	}
	for i, ch := range chunks {
		if ch.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("chunk %d mime = %q", i, ch.MIMEType)
		}
		got := decodeMono(t, ch)
		if len(got) != 2 || got[0] != values[i] {
			t.Errorf("chunk %d samples = %v, want [%v %v]", i, got, values[i], values[i])
		}
	}
}

func TestCapture_ResamplesToConfiguredRate(t *testing.T) {
	t.Parallel()

	in := &amock.Input{Rate: 48000}
	c := NewCapture(in, 16000)
	rec := newChunkRecorder()
	if err := c.Start(rec.onFrame); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	in.Emit(make([]float32, 480))
	chunks := rec.wait(t, 1)
	if n := len(decodeMono(t, chunks[0])); n != 160 {
		t.Errorf("resampled frame has %d samples, want 160", n)
	}
}

func TestCapture_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	in := &amock.Input{}
	c := NewCapture(in, 16000, WithQueueDepth(1))

	entered := make(chan struct{}, 8)
	gate := make(chan struct{})
	rec := newChunkRecorder()
	err := c.Start(func(ch audio.MediaChunk) {
		entered <- struct{}{}
		<-gate
		rec.onFrame(ch)
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	in.Emit([]float32{0.1})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first frame")
	}
	// Worker is blocked; one slot left in the queue.
	in.Emit([]float32{0.2})
	in.Emit([]float32{0.3})
	in.Emit([]float32{0.4})
	close(gate)

	chunks := rec.wait(t, 2)
	c.Stop()

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	want := []float32{0.1, 0.2}
	for i, ch := range chunks {
		got := decodeMono(t, ch)
		if diff := got[0] - want[i]; diff > 1e-4 || diff < -1e-4 {
			t.Errorf("chunk %d = %v, want %v", i, got[0], want[i])
		}
	}
}

func TestCapture_Lifecycle(t *testing.T) {
	t.Parallel()

	t.Run("start twice", func(t *testing.T) {
		t.Parallel()
		c := NewCapture(&amock.Input{}, 16000)
		if err := c.Start(func(audio.MediaChunk) {}); err != nil {
			t.Fatalf("first Start: %v", err)
		}
		defer c.Stop()
		if err := c.Start(func(audio.MediaChunk) {}); !errors.Is(err, ErrCaptureStarted) {
			t.Errorf("second Start = %v, want ErrCaptureStarted", err)
		}
	})

	t.Run("stop without start", func(t *testing.T) {
		t.Parallel()
		c := NewCapture(&amock.Input{}, 16000)
		c.Stop()
		c.Stop()
		if err := c.Start(func(audio.MediaChunk) {}); !errors.Is(err, ErrCaptureStarted) {
			t.Errorf("Start after Stop = %v, want ErrCaptureStarted", err)
		}
	})

	t.Run("device start error", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		c := NewCapture(&amock.Input{StartError: boom}, 16000)
		if err := c.Start(func(audio.MediaChunk) {}); !errors.Is(err, boom) {
			t.Errorf("Start = %v, want %v", err, boom)
		}
		c.Stop()
	})

	t.Run("frames after stop are ignored", func(t *testing.T) {
		t.Parallel()
		in := &amock.Input{}
		c := NewCapture(in, 16000)
		delivered := make(chan struct{}, 1)
		if err := c.Start(func(audio.MediaChunk) { delivered <- struct{}{} }); err != nil {
			t.Fatalf("Start: %v", err)
		}
		c.Stop()
		in.Emit([]float32{0.5})
		select {
		case <-delivered:
			t.Error("frame delivered after Stop")
		case <-time.After(50 * time.Millisecond):
		}
	})
}
