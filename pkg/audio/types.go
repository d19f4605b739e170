package audio

import (
	"fmt"
	"mime"
	"strconv"
)

// MediaChunk is one framed unit of outbound or inbound audio as it travels
// over a duplex session: base64 of little-endian int16 PCM plus a MIME tag.
type MediaChunk struct {
	// Data is the base64 (standard alphabet) encoding of the PCM bytes.
	Data string

	// MIMEType declares the encoding, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// PCMMIMEType returns the MIME tag used for raw 16-bit PCM at rate Hz.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// Segment is a decoded, playable block of audio. Samples are stored planar:
// Channels[c][i] is sample i of channel c, normalised to [-1, 1).
type Segment struct {
	Channels   [][]float32
	SampleRate int
}

// NumChannels returns the number of channels in the segment.
func (s *Segment) NumChannels() int { return len(s.Channels) }

// Frames returns the number of sample frames (samples per channel).
func (s *Segment) Frames() int {
	if len(s.Channels) == 0 {
		return 0
	}
	return len(s.Channels[0])
}

// Duration returns the playback length of the segment in seconds.
func (s *Segment) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(s.Frames()) / float64(s.SampleRate)
}

// ParseRate extracts the "rate=" parameter from a PCM MIME tag such as
// "audio/pcm;rate=24000". It returns fallback when the tag carries no
// usable rate.
func ParseRate(mimeType string, fallback int) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallback
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return fallback
	}
	return rate
}
