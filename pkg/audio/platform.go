// Package audio defines the audio types, codecs and device interfaces used by
// talescribe's voice pipeline.
//
// The primary abstractions are:
//
//   - [InputDevice]: a microphone that delivers mono float frames to a callback.
//   - [OutputContext]: a speaker with its own monotonic clock on which
//     decoded [Segment] values are scheduled at absolute times.
//   - [Source]: the handle of one scheduled segment.
//
// Concrete devices live in audio/device (PortAudio, WAV file, null sink) and
// audio/timeline (a pull-rendered output clock).
package audio

import "errors"

// ErrClosed is returned by devices that are used after Close.
var ErrClosed = errors.New("audio: device closed")

// InputDevice is an acquired capture device.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// Start begins delivering frames to onFrame. onFrame runs on the device's
	// own goroutine and must not block; the slice is only valid for the
	// duration of the call. Start may only be called once.
	Start(onFrame func(frame []float32)) error

	// SampleRate reports the rate in Hz at which frames are delivered.
	SampleRate() int

	// Close stops capture and releases the device. It is safe to call Close
	// more than once and without a prior Start.
	Close() error
}

// Source is the handle of one segment scheduled on an [OutputContext].
type Source interface {
	// Stop silences the segment immediately. Its ended callback is not
	// invoked. Stop is idempotent.
	Stop()
}

// OutputContext is an acquired playback device with its own clock.
//
// Implementations must be safe for concurrent use.
type OutputContext interface {
	// CurrentTime returns the output clock in seconds. It never decreases.
	CurrentTime() float64

	// SampleRate reports the device rate in Hz.
	SampleRate() int

	// Play schedules seg to start at the absolute clock time at (seconds).
	// Times in the past start immediately. onEnded, if non-nil, is invoked
	// once when the segment finishes naturally; it is never invoked
	// synchronously from Play or after Stop.
	Play(seg *Segment, at float64, onEnded func()) (Source, error)

	// Close releases the device. Scheduled segments are silenced.
	// It is safe to call Close more than once.
	Close() error
}
