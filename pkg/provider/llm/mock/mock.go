// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the Requests a service builds and to
// feed controlled responses without a live backend. Set fields before the
// first call; mutating them during a concurrent call is the caller's
// responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Response: &llm.Response{Text: "Hello!"},
//	}
//	resp, err := p.Generate(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/talescribe/pkg/provider/llm"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Req is the Request passed to Generate.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Generate when Responses is exhausted. May be
	// nil (returns an empty response).
	Response *llm.Response

	// Responses, if non-empty, are returned by successive Generate calls
	// before falling back to Response.
	Responses []*llm.Response

	// Err, if non-nil, is returned as the error from Generate.
	Err error

	// Caps is returned by Capabilities.
	Caps llm.Capabilities

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []GenerateCall
}

// Generate records the call and returns the next configured response.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, Req: req})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Responses) > 0 {
		r := p.Responses[0]
		p.Responses = p.Responses[1:]
		return r, nil
	}
	if p.Response == nil {
		return &llm.Response{}, nil
	}
	return p.Response, nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() llm.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// Calls returns a snapshot of GenerateCalls.
func (p *Provider) Calls() []GenerateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]GenerateCall(nil), p.GenerateCalls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
