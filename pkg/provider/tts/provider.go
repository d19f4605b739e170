// Package tts defines the Provider interface for single-shot text-to-speech
// backends.
//
// A TTS provider turns one piece of text into one buffer of raw 16-bit
// little-endian PCM, tagged with its sample rate and channel count, so the
// caller can wrap it in a WAV container or schedule it for playback.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

// ErrEmptyAudio is returned when the backend answered without audio data.
var ErrEmptyAudio = errors.New("tts: response contained no audio")

// Request describes one synthesis.
type Request struct {
	// Text is the content to speak. Must be non-empty.
	Text string

	// Voice is the provider-specific voice name or ID. Empty selects the
	// provider default.
	Voice string

	// Model overrides the provider's default model when non-empty.
	Model string
}

// Audio is raw signed 16-bit little-endian PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Voice is one voice offered by a provider.
type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize speaks req.Text and returns the complete audio.
	Synthesize(ctx context.Context, req Request) (*Audio, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Validate reports whether req can be synthesised.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("tts: text must not be empty")
	}
	return nil
}

// ParsePCMMIME extracts the sample rate and channel count from a MIME type
// such as "audio/L16;codec=pcm;rate=24000" or "audio/pcm;rate=16000". Missing
// parameters fall back to rate and one channel.
func ParsePCMMIME(mimeType string, rate int) (sampleRate, channels int, err error) {
	mediaType, params, perr := mime.ParseMediaType(mimeType)
	if perr != nil {
		return 0, 0, fmt.Errorf("tts: parse mime type %q: %w", mimeType, perr)
	}
	switch strings.ToLower(mediaType) {
	case "audio/l16", "audio/pcm":
	default:
		return 0, 0, fmt.Errorf("tts: unsupported audio format %q", mediaType)
	}
	sampleRate, channels = rate, 1
	if v, ok := params["rate"]; ok {
		if n, cerr := strconv.Atoi(v); cerr == nil && n > 0 {
			sampleRate = n
		}
	}
	if v, ok := params["channels"]; ok {
		if n, cerr := strconv.Atoi(v); cerr == nil && n > 0 {
			channels = n
		}
	}
	return sampleRate, channels, nil
}
