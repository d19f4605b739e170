package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedAudioData is returned when an inbound payload cannot be decoded
// into whole int16 sample frames.
var ErrMalformedAudioData = errors.New("audio: malformed audio data")

// EncodeFrame quantises samples to little-endian int16 PCM and returns it as a
// base64 [MediaChunk] tagged with rate.
//
// Each sample is scaled by 32768 and rounded; values outside the int16 range
// wrap around rather than clamp, so 1.0 encodes as -32768. Callers own the
// input range.
func EncodeFrame(samples []float32, rate int) MediaChunk {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int32(math.Round(float64(s) * 32768)))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return MediaChunk{
		Data:     base64.StdEncoding.EncodeToString(buf),
		MIMEType: PCMMIMEType(rate),
	}
}

// DecodeChunk decodes a base64 payload of interleaved little-endian int16 PCM
// into a planar [Segment].
func DecodeChunk(data string, sampleRate, numChannels int) (*Segment, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedAudioData, err)
	}
	return DecodePCM(pcm, sampleRate, numChannels)
}

// DecodePCM de-interleaves raw little-endian int16 PCM into a planar
// [Segment], dividing every sample by 32768.
func DecodePCM(pcm []byte, sampleRate, numChannels int) (*Segment, error) {
	if numChannels <= 0 {
		return nil, fmt.Errorf("%w: channel count %d", ErrMalformedAudioData, numChannels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrMalformedAudioData, sampleRate)
	}
	frameBytes := numChannels * 2
	if len(pcm)%frameBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudioData, len(pcm), frameBytes)
	}

	frames := len(pcm) / frameBytes
	seg := &Segment{
		Channels:   make([][]float32, numChannels),
		SampleRate: sampleRate,
	}
	for c := range numChannels {
		seg.Channels[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range numChannels {
			off := (i*numChannels + c) * 2
			v := int16(binary.LittleEndian.Uint16(pcm[off:]))
			seg.Channels[c][i] = float32(v) / 32768.0
		}
	}
	return seg, nil
}
