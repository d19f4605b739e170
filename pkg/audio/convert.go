package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Resampler converts mono frames captured at Source Hz to Target Hz. It logs
// once on the first frame that actually needs conversion.
// Create one per stream; not designed for shared use across goroutines.
type Resampler struct {
	Source int
	Target int

	warnedMismatch sync.Once
}

// Resample returns frame converted to the target rate. If the rates already
// match the frame is returned unchanged (zero allocation).
func (r *Resampler) Resample(frame []float32) []float32 {
	if r.Source == r.Target || r.Source <= 0 || r.Target <= 0 {
		return frame
	}
	r.warnedMismatch.Do(func() {
		slog.Warn("audio rate mismatch: resampling capture",
			"from", formatString(r.Source, 1),
			"to", formatString(r.Target, 1),
		)
	})
	return ResampleMono(frame, r.Source, r.Target)
}

// ResampleMono resamples mono float samples from srcRate to dstRate using
// linear interpolation. The output length is rounded to the nearest sample.
// If srcRate == dstRate the input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := (int64(len(samples))*int64(dstRate) + int64(srcRate)/2) / int64(srcRate)
	return ResampleMonoLen(samples, int(n))
}

// ResampleMonoLen stretches samples to exactly n samples using linear
// interpolation. Input that already has n samples is returned unchanged.
func ResampleMonoLen(samples []float32, n int) []float32 {
	if n <= 0 || len(samples) == 0 {
		return nil
	}
	if n == len(samples) {
		return samples
	}

	out := make([]float32, n)
	ratio := float64(len(samples)) / float64(n)
	for i := range n {
		srcPos := float64(i) * ratio
		idx := min(int(srcPos), len(samples)-1)
		frac := float32(srcPos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Mixdown averages all channels of seg into one mono slice.
func Mixdown(seg *Segment) []float32 {
	n := seg.NumChannels()
	if n == 0 {
		return nil
	}
	if n == 1 {
		return seg.Channels[0]
	}
	out := make([]float32, seg.Frames())
	for _, ch := range seg.Channels {
		for i, v := range ch {
			out[i] += v
		}
	}
	inv := 1 / float32(n)
	for i := range out {
		out[i] *= inv
	}
	return out
}

// Int16PCM quantises interleaved float samples to little-endian int16 PCM,
// clamping to the int16 range. Used for recording, where wraparound would be
// audible as clicks.
func Int16PCM(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v)))
	}
	return buf
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
