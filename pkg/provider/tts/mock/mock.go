// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Audio: &tts.Audio{PCM: pcm, SampleRate: 24000, Channels: 1}}
//	out, err := p.Synthesize(ctx, tts.Request{Text: "Hello"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/talescribe/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the Request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by Synthesize. Nil yields one second of 24 kHz
	// mono silence.
	Audio *tts.Audio

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every invocation of Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns Audio, SynthesizeErr.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	if p.Audio == nil {
		return &tts.Audio{PCM: make([]byte, 48000), SampleRate: 24000, Channels: 1}, nil
	}
	return p.Audio, nil
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListVoicesErr
}

// Calls returns a snapshot of SynthesizeCalls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
