package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/talescribe/pkg/audio"
	"github.com/MrWong99/talescribe/pkg/audio/timeline"
)

// renderInterval is the wall-clock period of the simulated output stream.
const renderInterval = 10 * time.Millisecond

// FileProvider implements the "file" and "null" backends. Both run in real
// time on wall-clock tickers so that a session behaves as it would with a
// physical device.
type FileProvider struct {
	cfg Config
}

// OpenInput implements [Provider]. With an input file configured, its
// samples are delivered at their native rate and followed by silence, so the
// remote side sees the end of the utterance. Without one, only silence is
// delivered.
func (p *FileProvider) OpenInput(_ context.Context) (audio.InputDevice, error) {
	if p.cfg.InputFile == "" {
		return newPacedInput(nil, p.cfg.InputRate, p.cfg.FramesPerBuffer), nil
	}
	samples, rate, err := readWAVMono(p.cfg.InputFile)
	if err != nil {
		return nil, err
	}
	frames := p.cfg.FramesPerBuffer * rate / p.cfg.InputRate
	return newPacedInput(samples, rate, max(frames, 1)), nil
}

// OpenOutput implements [Provider].
func (p *FileProvider) OpenOutput(_ context.Context) (audio.OutputContext, error) {
	var f *os.File
	if p.cfg.OutputFile != "" {
		var err error
		f, err = os.Create(p.cfg.OutputFile)
		if err != nil {
			return nil, fmt.Errorf("%w: create recording: %v", ErrDevice, err)
		}
	}
	return newTickedOutput(p.cfg.OutputRate, f), nil
}

// readWAVMono decodes path and mixes it down to normalised mono samples.
func readWAVMono(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open input file: %v", ErrDevice, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: %s is not a valid WAV file", ErrDevice, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: decode input file: %v", ErrDevice, err)
	}

	channels := max(buf.Format.NumChannels, 1)
	scale := float32(int(1) << (max(int(dec.BitDepth), 8) - 1))
	seg := &audio.Segment{Channels: make([][]float32, channels), SampleRate: buf.Format.SampleRate}
	frames := len(buf.Data) / channels
	for c := range channels {
		seg.Channels[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			seg.Channels[c][i] = float32(buf.Data[i*channels+c]) / scale
		}
	}
	return audio.Mixdown(seg), seg.SampleRate, nil
}

// ─── Input ────────────────────────────────────────────────────────────────────

// pacedInput delivers samples in fixed-size frames on a ticker.
type pacedInput struct {
	samples []float32
	rate    int
	frame   int

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func newPacedInput(samples []float32, rate, frame int) *pacedInput {
	return &pacedInput{
		samples: samples,
		rate:    rate,
		frame:   frame,
		done:    make(chan struct{}),
	}
}

func (i *pacedInput) Start(onFrame func([]float32)) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return audio.ErrClosed
	}
	if i.started {
		return fmt.Errorf("%w: input already started", ErrDevice)
	}
	i.started = true

	period := time.Duration(float64(time.Second) * float64(i.frame) / float64(i.rate))
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		buf := make([]float32, i.frame)
		pos := 0
		for {
			select {
			case <-i.done:
				return
			case <-ticker.C:
			}
			n := copy(buf, i.samples[min(pos, len(i.samples)):])
			clear(buf[n:])
			pos += n
			onFrame(buf)
		}
	}()
	return nil
}

func (i *pacedInput) SampleRate() int { return i.rate }

func (i *pacedInput) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	close(i.done)
	i.mu.Unlock()
	i.wg.Wait()
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// tickedOutput renders a [timeline.Timeline] on a wall-clock ticker and
// optionally records the rendered audio.
type tickedOutput struct {
	*timeline.Timeline

	file     *os.File
	recorded []int

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func newTickedOutput(rate int, file *os.File) *tickedOutput {
	o := &tickedOutput{
		Timeline: timeline.New(rate, 1),
		file:     file,
		done:     make(chan struct{}),
	}
	block := make([]float32, int(int64(rate)*int64(renderInterval)/int64(time.Second)))
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(renderInterval)
		defer ticker.Stop()
		for {
			select {
			case <-o.done:
				return
			case <-ticker.C:
			}
			o.Render(block)
			if o.file != nil {
				o.record(block)
			}
		}
	}()
	return o
}

func (o *tickedOutput) record(block []float32) {
	pcm := audio.Int16PCM(block)
	for j := 0; j+1 < len(pcm); j += 2 {
		o.recorded = append(o.recorded, int(int16(uint16(pcm[j])|uint16(pcm[j+1])<<8)))
	}
}

func (o *tickedOutput) Close() error {
	var err error
	o.once.Do(func() {
		close(o.done)
		o.wg.Wait()
		_ = o.Timeline.Close()
		if o.file != nil {
			err = o.flush()
		}
	})
	return err
}

// flush writes the recording as 16-bit mono WAV and closes the file.
func (o *tickedOutput) flush() error {
	defer o.file.Close()

	rate := o.SampleRate()
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           o.recorded,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(o.file, rate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("device: write recording: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("device: close recording: %w", err)
	}
	slog.Debug("device: recording written", "path", o.file.Name(), "samples", len(o.recorded))
	return nil
}
