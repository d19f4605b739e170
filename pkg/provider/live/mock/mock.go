// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject inbound events in order and inspect what the
// consumer sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(live.Event{Kind: live.EventTurnComplete})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/talescribe/pkg/audio"
	"github.com/MrWong99/talescribe/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or the
	// context is done. A done context yields an ErrConnection error.
	Block chan struct{}

	// Entered, if non-nil, receives a value when Connect starts waiting on
	// Block.
	Entered chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block, entered := p.Block, p.Entered
	p.mu.Unlock()

	if block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", live.ErrConnection, ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Calls returns a snapshot of ConnectCalls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Session is a mock implementation of live.Session. Events injected with Emit
// are delivered in order by an internal goroutine; the channel is closed after
// the close event, like the real transport.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// SentChunks records every chunk passed to Send, in order.
	SentChunks []audio.MediaChunk

	// CallCountClose records how many times Close was called.
	CallCountClose int

	queue  []live.Event
	closed bool
	wake   chan struct{}
	events chan live.Event
}

// NewSession creates a Session and starts its delivery goroutine.
func NewSession() *Session {
	s := &Session{
		wake:   make(chan struct{}, 1),
		events: make(chan live.Event, 16),
	}
	go s.pump()
	return s
}

// Emit queues ev for delivery. It reports false once the session is closed.
func (s *Session) Emit(ev live.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
	return true
}

// CloseRemote simulates the remote side dropping the connection with err.
func (s *Session) CloseRemote(err error) {
	s.finish(live.Event{Kind: live.EventClose, Err: err})
}

// Send implements live.Session.
func (s *Session) Send(chunk audio.MediaChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: mock: session closed", live.ErrSend)
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.SentChunks = append(s.SentChunks, chunk)
	return nil
}

// Sent returns a snapshot of SentChunks.
func (s *Session) Sent() []audio.MediaChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.MediaChunk(nil), s.SentChunks...)
}

// Events implements live.Session.
func (s *Session) Events() <-chan live.Event { return s.events }

// Close implements live.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.finish(live.Event{Kind: live.EventClose, Requested: true})
	return nil
}

// Closes returns CallCountClose.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

func (s *Session) finish(ev live.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) pump() {
	for range s.wake {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			s.events <- ev
			if ev.Kind == live.EventClose {
				close(s.events)
				return
			}
		}
	}
}
