//go:build portaudio

package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/talescribe/pkg/audio"
	"github.com/MrWong99/talescribe/pkg/audio/timeline"
)

// PortAudioAvailable reports whether the binary was built with PortAudio.
const PortAudioAvailable = true

// paRefs counts open streams so Initialize/Terminate bracket their lifetime.
var (
	paMu   sync.Mutex
	paRefs int
)

func paAcquire() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("%w: initialize portaudio: %v", ErrDevice, err)
		}
	}
	paRefs++
	return nil
}

func paRelease() {
	paMu.Lock()
	defer paMu.Unlock()
	paRefs--
	if paRefs == 0 {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("device: terminate portaudio", "err", err)
		}
	}
}

// PortAudio opens the system default microphone and speaker.
type PortAudio struct {
	cfg Config
}

func newPortAudio(cfg Config) (Provider, error) {
	return &PortAudio{cfg: cfg}, nil
}

// OpenInput implements [Provider]. The stream is opened immediately so that
// permission and hardware failures surface before a session is started.
func (p *PortAudio) OpenInput(_ context.Context) (audio.InputDevice, error) {
	if err := paAcquire(); err != nil {
		return nil, err
	}
	in := &paInput{rate: p.cfg.InputRate}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(p.cfg.InputRate), p.cfg.FramesPerBuffer, in.callback)
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("%w: open input stream: %v", ErrDevice, err)
	}
	in.stream = stream
	return in, nil
}

// OpenOutput implements [Provider]. The output stream pulls from a
// [timeline.Timeline] and starts immediately.
func (p *PortAudio) OpenOutput(_ context.Context) (audio.OutputContext, error) {
	if err := paAcquire(); err != nil {
		return nil, err
	}
	tl := timeline.New(p.cfg.OutputRate, 1)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(p.cfg.OutputRate), 0, func(out []float32) {
		tl.Render(out)
	})
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("%w: open output stream: %v", ErrDevice, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		paRelease()
		return nil, fmt.Errorf("%w: start output stream: %v", ErrDevice, err)
	}
	return &paOutput{Timeline: tl, stream: stream}, nil
}

type paInput struct {
	rate   int
	stream *portaudio.Stream

	mu      sync.Mutex
	onFrame func([]float32)
	started bool
	closed  bool
}

func (i *paInput) callback(in []float32) {
	i.mu.Lock()
	cb := i.onFrame
	i.mu.Unlock()
	if cb != nil {
		cb(in)
	}
}

func (i *paInput) Start(onFrame func([]float32)) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return audio.ErrClosed
	}
	if i.started {
		return fmt.Errorf("%w: input already started", ErrDevice)
	}
	i.onFrame = onFrame
	if err := i.stream.Start(); err != nil {
		i.onFrame = nil
		return fmt.Errorf("%w: start input stream: %v", ErrDevice, err)
	}
	i.started = true
	return nil
}

func (i *paInput) SampleRate() int { return i.rate }

func (i *paInput) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.onFrame = nil
	started := i.started
	i.mu.Unlock()

	var err error
	if started {
		err = i.stream.Stop()
	}
	if cerr := i.stream.Close(); err == nil {
		err = cerr
	}
	paRelease()
	return err
}

type paOutput struct {
	*timeline.Timeline
	stream *portaudio.Stream
	once   sync.Once
}

func (o *paOutput) Close() error {
	var err error
	o.once.Do(func() {
		_ = o.Timeline.Close()
		err = o.stream.Stop()
		if cerr := o.stream.Close(); err == nil {
			err = cerr
		}
		paRelease()
	})
	return err
}
