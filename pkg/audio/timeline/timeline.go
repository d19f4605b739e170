// Package timeline implements [audio.OutputContext] as a pull-rendered
// clock. The owner of the real (or simulated) output stream calls
// [Timeline.Render] for every buffer it needs; the clock advances by exactly
// the number of frames rendered, so scheduled start times are sample-accurate.
package timeline

import (
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/talescribe/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputContext = (*Timeline)(nil)

// voice is one scheduled segment already converted to the timeline format.
type voice struct {
	samples []float32 // interleaved, timeline channel count
	start   int64     // absolute start frame
	onEnded func()
}

func (v *voice) frames(channels int) int64 { return int64(len(v.samples) / channels) }

// Timeline mixes scheduled segments into interleaved float32 buffers.
// All methods are safe for concurrent use.
type Timeline struct {
	rate     int
	channels int

	mu     sync.Mutex
	frame  int64 // frames rendered so far; the clock
	nextID uint64
	voices map[uint64]*voice
	closed bool
}

// New creates a Timeline running at rate Hz with the given channel count.
func New(rate, channels int) *Timeline {
	if channels <= 0 {
		channels = 1
	}
	return &Timeline{
		rate:     rate,
		channels: channels,
		voices:   make(map[uint64]*voice),
	}
}

// SampleRate implements [audio.OutputContext].
func (t *Timeline) SampleRate() int { return t.rate }

// Channels returns the interleaved channel count expected by [Timeline.Render].
func (t *Timeline) Channels() int { return t.channels }

// CurrentTime implements [audio.OutputContext].
func (t *Timeline) CurrentTime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.frame) / float64(t.rate)
}

// Play implements [audio.OutputContext].
func (t *Timeline) Play(seg *audio.Segment, at float64, onEnded func()) (audio.Source, error) {
	if seg == nil {
		return nil, fmt.Errorf("timeline: play: nil segment")
	}
	// The slot is rounded at both ends so back-to-back segments share their
	// boundary frame whatever the rate ratio.
	start := int64(math.Round(at * float64(t.rate)))
	end := int64(math.Round((at + seg.Duration()) * float64(t.rate)))
	samples := t.conform(seg, int(end-start))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, audio.ErrClosed
	}

	if start < t.frame {
		start = t.frame
	}
	t.nextID++
	id := t.nextID
	t.voices[id] = &voice{samples: samples, start: start, onEnded: onEnded}
	return &source{t: t, id: id}, nil
}

// Render fills out (interleaved, len a multiple of Channels) with the mix of
// all voices sounding in the next len(out)/Channels frames, then advances the
// clock. Ended callbacks run after the internal lock is released.
func (t *Timeline) Render(out []float32) {
	clear(out)
	n := int64(len(out) / t.channels)
	if n == 0 {
		return
	}

	var ended []func()
	t.mu.Lock()
	from, to := t.frame, t.frame+n
	for id, v := range t.voices {
		end := v.start + v.frames(t.channels)
		lo := max(v.start, from)
		hi := min(end, to)
		for f := lo; f < hi; f++ {
			src := (f - v.start) * int64(t.channels)
			dst := (f - from) * int64(t.channels)
			for c := int64(0); c < int64(t.channels); c++ {
				out[dst+c] += v.samples[src+c]
			}
		}
		if end <= to {
			delete(t.voices, id)
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	t.frame = to
	t.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
}

// Pending reports how many voices are scheduled or sounding.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Close silences every voice and rejects further Play calls.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	clear(t.voices)
	return nil
}

func (t *Timeline) stop(id uint64) {
	t.mu.Lock()
	delete(t.voices, id)
	t.mu.Unlock()
}

// conform remaps seg to the timeline channel count and resamples it to
// exactly frames frames.
func (t *Timeline) conform(seg *audio.Segment, frames int) []float32 {
	planar := seg.Channels
	if seg.NumChannels() != t.channels {
		mono := audio.Mixdown(seg)
		planar = make([][]float32, t.channels)
		for c := range planar {
			planar[c] = mono
		}
	}
	if len(planar) == 0 || len(planar[0]) == 0 || frames <= 0 {
		return nil
	}
	if len(planar[0]) != frames {
		resampled := make([][]float32, len(planar))
		for c, ch := range planar {
			resampled[c] = audio.ResampleMonoLen(ch, frames)
		}
		planar = resampled
	}

	out := make([]float32, frames*t.channels)
	for i := range frames {
		for c := range t.channels {
			out[i*t.channels+c] = planar[c][i]
		}
	}
	return out
}

type source struct {
	t    *Timeline
	id   uint64
	once sync.Once
}

func (s *source) Stop() { s.once.Do(func() { s.t.stop(s.id) }) }
