package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/talescribe/internal/observe"
	"github.com/MrWong99/talescribe/pkg/audio"
	"github.com/MrWong99/talescribe/pkg/audio/playback"
	"github.com/MrWong99/talescribe/pkg/provider/live"
)

// State is the lifecycle state of a [Duplex] session.
type State int

const (
	// StateConnecting means the transport handshake is in flight.
	StateConnecting State = iota

	// StateOpen means audio may be sent and inbound events are applied.
	StateOpen

	// StateClosing means teardown was requested or a fatal error occurred;
	// inbound events other than the final close are discarded.
	StateClosing

	// StateClosed means the transport reported its final close.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Handlers receives the outcomes of a duplex session. Every handler runs on
// the session's dispatch goroutine, in event order, and may call
// [Duplex.Close].
type Handlers struct {
	// OnMessage receives each finalised transcript message.
	OnMessage func(ChatMessage)

	// OnError receives the first session-fatal error: a provider error or an
	// unrequested loss of the connection.
	OnError func(error)

	// OnClose is called once when the session reaches StateClosed.
	OnClose func(requested bool)
}

// DuplexOption configures a [Duplex].
type DuplexOption func(*Duplex)

// WithOutputRate sets the sample rate assumed for inbound audio whose MIME
// tag carries none.
func WithOutputRate(rate int) DuplexOption {
	return func(d *Duplex) {
		if rate > 0 {
			d.outputRate = rate
		}
	}
}

// WithDuplexMetrics sets the metrics sink.
func WithDuplexMetrics(m *observe.Metrics) DuplexOption {
	return func(d *Duplex) { d.metrics = m }
}

// WithDuplexLogger sets the session logger.
func WithDuplexLogger(l *slog.Logger) DuplexOption {
	return func(d *Duplex) { d.log = l }
}

// WithClock overrides the timestamp source for finalised messages.
func WithClock(now func() time.Time) DuplexOption {
	return func(d *Duplex) { d.now = now }
}

// transcription accumulates streamed transcript fragments until the turn
// completes or is interrupted.
type transcription struct {
	input  strings.Builder
	output strings.Builder
}

func (t *transcription) reset() {
	t.input.Reset()
	t.output.Reset()
}

// Duplex is one live conversation: it sends microphone chunks, schedules
// model audio for gapless playback, and reconciles streamed transcripts into
// whole messages per turn.
type Duplex struct {
	sess       live.Session
	sched      *playback.Scheduler
	h          Handlers
	outputRate int
	metrics    *observe.Metrics
	log        *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	state     State
	requested bool
	failed    bool
	buf       transcription

	done chan struct{}
}

// Open connects p with cfg and starts routing inbound events into sched.
// ctx bounds only the connection attempt. Failures wrap [live.ErrConnection];
// there is no automatic retry.
func Open(ctx context.Context, p live.Provider, cfg live.Config, sched *playback.Scheduler, h Handlers, opts ...DuplexOption) (*Duplex, error) {
	d := &Duplex{
		sched:      sched,
		h:          h,
		outputRate: 24000,
		metrics:    observe.DefaultMetrics(),
		log:        slog.Default(),
		now:        time.Now,
		state:      StateConnecting,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}

	sess, err := p.Connect(ctx, cfg)
	if err != nil {
		d.state = StateClosed
		close(d.done)
		if !errors.Is(err, live.ErrConnection) {
			err = fmt.Errorf("%w: %w", live.ErrConnection, err)
		}
		return nil, fmt.Errorf("voice: open duplex: %w", err)
	}

	d.mu.Lock()
	d.sess = sess
	d.state = StateOpen
	d.mu.Unlock()

	go d.dispatch()
	return d, nil
}

// State returns the current lifecycle state.
func (d *Duplex) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Partial returns the not yet finalised transcripts of the current turn.
func (d *Duplex) Partial() (input, output string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.input.String(), d.buf.output.String()
}

// Done is closed when the dispatch goroutine has consumed the final event.
func (d *Duplex) Done() <-chan struct{} { return d.done }

// Send transmits one encoded chunk. It fails with [live.ErrSend] unless the
// session is open; callers drop the chunk and continue.
func (d *Duplex) Send(chunk audio.MediaChunk) error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state != StateOpen {
		return fmt.Errorf("%w: session %s", live.ErrSend, state)
	}
	return d.sess.Send(chunk)
}

// Close requests teardown of the transport without waiting for it. It is
// idempotent and safe to call from within a handler.
func (d *Duplex) Close() {
	d.mu.Lock()
	if d.requested || d.sess == nil {
		d.mu.Unlock()
		return
	}
	d.requested = true
	if d.state == StateOpen {
		d.state = StateClosing
	}
	sess := d.sess
	d.mu.Unlock()

	go func() {
		if err := sess.Close(); err != nil {
			d.log.Debug("voice: close live session", "err", err)
		}
	}()
}

// dispatch applies inbound events strictly in arrival order.
func (d *Duplex) dispatch() {
	defer close(d.done)
	for ev := range d.sess.Events() {
		switch ev.Kind {
		case live.EventAudio:
			d.handleAudio(ev.Audio)
		case live.EventInputTranscript:
			d.appendTranscript(&d.buf.input, ev.Text)
		case live.EventOutputTranscript:
			d.appendTranscript(&d.buf.output, ev.Text)
		case live.EventTurnComplete:
			d.handleTurnComplete()
		case live.EventInterrupted:
			d.handleInterrupted()
		case live.EventError:
			d.handleError(ev.Err)
		case live.EventClose:
			d.handleClose(ev)
		}
	}
}

func (d *Duplex) handleAudio(chunk audio.MediaChunk) {
	seg, err := audio.DecodeChunk(chunk.Data, audio.ParseRate(chunk.MIMEType, d.outputRate), 1)
	if err != nil {
		d.metrics.MalformedChunks.Add(context.Background(), 1)
		d.log.Warn("voice: dropping malformed audio chunk", "mime", chunk.MIMEType, "err", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateOpen {
		return
	}
	if _, err := d.sched.Enqueue(seg); err != nil {
		d.log.Warn("voice: schedule audio chunk", "err", err)
		return
	}
	d.metrics.AudioChunks.Add(context.Background(), 1)
}

func (d *Duplex) appendTranscript(b *strings.Builder, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateOpen {
		return
	}
	b.WriteString(text)
}

// handleTurnComplete flushes both buffers as one atomic step and emits the
// user message before the model message.
func (d *Duplex) handleTurnComplete() {
	d.mu.Lock()
	if d.state != StateOpen {
		d.mu.Unlock()
		return
	}
	in, out := d.buf.input.String(), d.buf.output.String()
	d.buf.reset()
	d.mu.Unlock()

	d.metrics.Turns.Add(context.Background(), 1)
	ts := d.now()
	if in != "" {
		d.emit(ChatMessage{Role: RoleUser, Content: in, Timestamp: ts})
	}
	if out != "" {
		d.emit(ChatMessage{Role: RoleModel, Content: out, Timestamp: ts})
	}
}

// handleInterrupted silences pending playback and discards the partial turn.
func (d *Duplex) handleInterrupted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateOpen {
		return
	}
	d.sched.StopAll()
	d.buf.reset()
	d.metrics.Interruptions.Add(context.Background(), 1)
	d.log.Debug("voice: interrupted, playback flushed")
}

func (d *Duplex) handleError(err error) {
	if err == nil {
		err = errors.New("voice: unspecified provider error")
	}
	d.mu.Lock()
	if d.state != StateOpen {
		d.mu.Unlock()
		return
	}
	d.state = StateClosing
	d.failed = true
	d.mu.Unlock()

	d.log.Error("voice: live session error", "err", err)
	if d.h.OnError != nil {
		d.h.OnError(err)
	}
}

func (d *Duplex) handleClose(ev live.Event) {
	d.mu.Lock()
	requested := d.requested || ev.Requested
	surface := !requested && !d.failed
	d.state = StateClosed
	d.buf.reset()
	d.mu.Unlock()

	if surface {
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("%w: connection closed unexpectedly", live.ErrConnection)
		}
		d.log.Warn("voice: live session lost", "err", err)
		if d.h.OnError != nil {
			d.h.OnError(err)
		}
	}
	if d.h.OnClose != nil {
		d.h.OnClose(requested)
	}
}

func (d *Duplex) emit(msg ChatMessage) {
	if d.h.OnMessage != nil {
		d.h.OnMessage(msg)
	}
}
