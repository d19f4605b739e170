// Package mock provides in-memory mock implementations of the
// [audio.InputDevice], [audio.OutputContext] and [audio.Source] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := &mock.Output{Rate: 24000}
//	out.SetTime(1.5)
//	src, _ := out.Play(seg, 2.0, nil)
//	out.Finish(0) // fire the ended callback of the first Play
package mock

import (
	"sync"

	"github.com/MrWong99/talescribe/pkg/audio"
)

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock implementation of [audio.InputDevice]. Frames are pushed by
// the test through [Input.Emit].
type Input struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 16000 if zero.
	Rate int

	// StartError is returned by Start.
	StartError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onFrame func([]float32)
	closed  bool
}

// Start implements [audio.InputDevice].
func (i *Input) Start(onFrame func([]float32)) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.CallCountStart++
	if i.StartError != nil {
		return i.StartError
	}
	i.onFrame = onFrame
	return nil
}

// SampleRate implements [audio.InputDevice].
func (i *Input) SampleRate() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.Rate == 0 {
		return 16000
	}
	return i.Rate
}

// Close implements [audio.InputDevice].
func (i *Input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.CallCountClose++
	i.closed = true
	i.onFrame = nil
	return i.CloseError
}

// Emit delivers frame to the registered callback, as the device goroutine
// would. It reports whether a callback was registered.
func (i *Input) Emit(frame []float32) bool {
	i.mu.Lock()
	cb := i.onFrame
	i.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(frame)
	return true
}

// Closed reports whether Close has been called.
func (i *Input) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// ─── Output ───────────────────────────────────────────────────────────────────

// PlayCall records a single invocation of [Output.Play].
type PlayCall struct {
	Segment *audio.Segment
	At      float64
	Source  *Source
	onEnded func()
}

// Output is a mock implementation of [audio.OutputContext] with a clock the
// test advances manually.
type Output struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 24000 if zero.
	Rate int

	// PlayError, if non-nil, is returned by Play.
	PlayError error

	// CloseError is returned by Close.
	CloseError error

	// PlayCalls records every call to Play in order.
	PlayCalls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now float64
}

// SetTime sets the value returned by CurrentTime.
func (o *Output) SetTime(t float64) {
	o.mu.Lock()
	o.now = t
	o.mu.Unlock()
}

// CurrentTime implements [audio.OutputContext].
func (o *Output) CurrentTime() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SampleRate implements [audio.OutputContext].
func (o *Output) SampleRate() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Rate == 0 {
		return 24000
	}
	return o.Rate
}

// Play implements [audio.OutputContext].
func (o *Output) Play(seg *audio.Segment, at float64, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayError != nil {
		return nil, o.PlayError
	}
	src := &Source{}
	o.PlayCalls = append(o.PlayCalls, PlayCall{Segment: seg, At: at, Source: src, onEnded: onEnded})
	return src, nil
}

// Close implements [audio.OutputContext].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseError
}

// Calls returns a snapshot of PlayCalls.
func (o *Output) Calls() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PlayCall(nil), o.PlayCalls...)
}

// Finish fires the ended callback of the n-th Play call, unless its source
// was stopped.
func (o *Output) Finish(n int) {
	o.mu.Lock()
	call := o.PlayCalls[n]
	o.mu.Unlock()
	if call.Source.Stopped() || call.onEnded == nil {
		return
	}
	call.onEnded()
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Stop implements [audio.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
}

// Stopped reports whether Stop has been called at least once.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop > 0
}
