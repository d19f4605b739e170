// Package device opens concrete microphones and speakers for the voice
// pipeline. Three backends exist:
//
//   - "portaudio": system devices via PortAudio (requires the portaudio
//     build tag and the C library).
//   - "file": a WAV file stands in for the microphone and session playback
//     is recorded to a WAV file (or discarded).
//   - "null": silent input, discarded output.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/talescribe/pkg/audio"
)

// ErrDevice is returned when a device cannot be acquired or started.
var ErrDevice = errors.New("device: audio device unavailable")

// Config describes the devices to open.
type Config struct {
	// Backend selects the implementation: "portaudio", "file" or "null".
	Backend string

	// InputRate is the capture rate in Hz.
	InputRate int

	// OutputRate is the playback rate in Hz.
	OutputRate int

	// FramesPerBuffer is the capture and render block size in frames.
	FramesPerBuffer int

	// InputFile is the WAV file used as microphone by the "file" backend.
	InputFile string

	// OutputFile, if set, receives a WAV recording of everything played by
	// the "file" and "null" backends.
	OutputFile string
}

// Provider acquires capture and playback devices.
type Provider interface {
	// OpenInput acquires the microphone. Capture does not begin until
	// [audio.InputDevice.Start] is called.
	OpenInput(ctx context.Context) (audio.InputDevice, error)

	// OpenOutput acquires the speaker and starts its clock.
	OpenOutput(ctx context.Context) (audio.OutputContext, error)
}

// New returns the Provider selected by cfg.Backend.
func New(cfg Config) (Provider, error) {
	if cfg.InputRate <= 0 {
		cfg.InputRate = 16000
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = 24000
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = cfg.InputRate / 10
	}
	switch cfg.Backend {
	case "", "portaudio":
		return newPortAudio(cfg)
	case "file":
		if cfg.InputFile == "" {
			return nil, fmt.Errorf("%w: file backend requires an input file", ErrDevice)
		}
		return &FileProvider{cfg: cfg}, nil
	case "null":
		return &FileProvider{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrDevice, cfg.Backend)
	}
}
