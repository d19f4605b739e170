// Package playback schedules decoded audio segments back-to-back on an
// [audio.OutputContext] so that a stream of small chunks plays without gaps,
// and can silence everything at once when the listener barges in.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/talescribe/pkg/audio"
)

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithLogger sets the logger used for scheduling diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// Scheduler places segments on the output clock. Each segment starts exactly
// when the previous one ends, or immediately if the clock has already passed
// that point (underrun).
//
// All exported methods are safe for concurrent use; Enqueue and StopAll are
// atomic with respect to each other.
type Scheduler struct {
	out audio.OutputContext
	log *slog.Logger

	mu        sync.Mutex
	nextStart float64 // output-clock seconds at which the next segment may start
	seq       uint64
	active    map[uint64]audio.Source
	idle      chan struct{} // closed while active is empty
}

// New creates a Scheduler that plays on out.
func New(out audio.OutputContext, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		log:    slog.Default(),
		active: make(map[uint64]audio.Source),
		idle:   make(chan struct{}),
	}
	close(s.idle)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules seg at max(next start, current output time) and advances
// the next start by the segment duration. It returns the chosen start time.
func (s *Scheduler) Enqueue(seg *audio.Segment) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	startAt := max(s.nextStart, s.out.CurrentTime())

	s.seq++
	id := s.seq
	src, err := s.out.Play(seg, startAt, func() { s.ended(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: enqueue: %w", err)
	}

	if len(s.active) == 0 {
		s.idle = make(chan struct{})
	}
	s.active[id] = src
	s.nextStart = startAt + seg.Duration()

	s.log.Debug("playback: segment scheduled",
		"start", startAt,
		"duration", seg.Duration(),
		"active", len(s.active),
	)
	return startAt, nil
}

// StopAll silences every scheduled or sounding segment and resets the next
// start time to zero. Calling it with nothing scheduled is a no-op apart from
// the reset.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, src := range s.active {
		src.Stop()
		delete(s.active, id)
	}
	s.markIdleLocked()
	s.nextStart = 0
}

// NextStartTime returns the output-clock time at which the next segment would
// start if the clock has not passed it.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Active returns the number of segments scheduled or sounding.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Wait blocks until nothing is scheduled or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ended removes a naturally finished segment. Segments already removed by
// StopAll are ignored.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; !ok {
		return
	}
	delete(s.active, id)
	s.markIdleLocked()
}

func (s *Scheduler) markIdleLocked() {
	if len(s.active) != 0 {
		return
	}
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}
