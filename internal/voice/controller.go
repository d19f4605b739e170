package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/talescribe/internal/observe"
	"github.com/MrWong99/talescribe/pkg/audio"
	"github.com/MrWong99/talescribe/pkg/audio/device"
	"github.com/MrWong99/talescribe/pkg/audio/playback"
	"github.com/MrWong99/talescribe/pkg/provider/live"
)

var (
	// ErrSessionActive is returned by [Controller.StartSession] while a
	// session is starting, running or stopping.
	ErrSessionActive = errors.New("voice: a session is already active")

	// ErrSessionAborted is returned by [Controller.StartSession] when the
	// session was stopped before it finished starting.
	ErrSessionAborted = errors.New("voice: session start aborted")
)

// Phase is the controller-level lifecycle of the voice session.
type Phase int

const (
	// PhaseIdle means no session exists.
	PhaseIdle Phase = iota

	// PhaseStarting means devices or the connection are being acquired.
	PhaseStarting

	// PhaseActive means audio flows in both directions.
	PhaseActive

	// PhaseStopping means resources are being released.
	PhaseStopping
)

// String returns the lowercase name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Phase) UnmarshalText(b []byte) error {
	for c := PhaseIdle; c <= PhaseStopping; c++ {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("voice: unknown phase %q", b)
}

// ControllerConfig holds the per-session settings of a [Controller].
type ControllerConfig struct {
	// Live is passed to the live provider on every session start.
	// Live.InputRate defaults to 16000.
	Live live.Config

	// OutputRate is assumed for model audio without a rate tag. Defaults to
	// 24000.
	OutputRate int

	// QueueDepth bounds the capture queue. Zero selects the default.
	QueueDepth int
}

// ControllerOption configures a [Controller].
type ControllerOption func(*Controller)

// WithControllerLogger sets the base logger.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

// WithControllerMetrics sets the metrics sink.
func WithControllerMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithMessageHook registers fn to observe every finalised message of the
// current session, after it was appended to the conversation.
func WithMessageHook(fn func(ChatMessage)) ControllerOption {
	return func(c *Controller) { c.onMessage = fn }
}

// Status is a point-in-time snapshot of the controller for display.
type Status struct {
	Phase         Phase         `json:"phase"`
	SessionID     string        `json:"session_id,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	Messages      []ChatMessage `json:"messages"`
	PartialInput  string        `json:"partial_input,omitempty"`
	PartialOutput string        `json:"partial_output,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Controller owns the single voice session: it acquires the microphone, the
// output device, the playback scheduler, the duplex connection and the
// capture pipeline, and releases all of them through one stop path no matter
// whether the user, a transport error or a remote close ends the session.
//
// Every session start increments a generation counter. Handlers and pending
// start steps carry the generation they were created for and are ignored
// once it is stale.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	devices   device.Provider
	live      live.Provider
	cfg       ControllerConfig
	log       *slog.Logger
	metrics   *observe.Metrics
	onMessage func(ChatMessage)

	mu          sync.Mutex
	phase       Phase
	gen         uint64
	sessionID   string
	startedAt   time.Time
	cancelStart context.CancelFunc
	duplex      *Duplex
	closers     []func() error // released in reverse order
	conv        []ChatMessage
	lastErr     error
	done        chan struct{} // closed when the current session reaches idle
}

// NewController creates an idle Controller.
func NewController(devices device.Provider, lp live.Provider, cfg ControllerConfig, opts ...ControllerOption) *Controller {
	if cfg.Live.InputRate <= 0 {
		cfg.Live.InputRate = 16000
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = 24000
	}
	c := &Controller{
		devices: devices,
		live:    lp,
		cfg:     cfg,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
		done:    make(chan struct{}),
	}
	close(c.done)
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartSession acquires every resource of a new session in order: microphone,
// output, scheduler, duplex connection, capture. On failure everything
// acquired so far is released and one wrapped error is returned. A
// concurrent [Controller.StopSession] aborts the attempt.
func (c *Controller) StartSession(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrSessionActive, phase)
	}
	c.gen++
	gen := c.gen
	c.phase = PhaseStarting
	c.sessionID = uuid.NewString()
	c.startedAt = time.Now().UTC()
	c.conv = nil
	c.lastErr = nil
	c.done = make(chan struct{})
	startCtx, cancel := context.WithCancel(ctx)
	c.cancelStart = cancel
	sessionID := c.sessionID
	c.mu.Unlock()
	defer cancel()

	log := c.log.With("session_id", sessionID)
	startCtx = observe.WithSessionID(startCtx, sessionID)

	var closers []func() error
	abort := func(step string, err error) error {
		if rerr := release(closers); rerr != nil {
			log.Warn("voice: release after failed start", "err", rerr)
		}
		c.mu.Lock()
		aborted := c.gen != gen
		cause := c.lastErr
		c.phase = PhaseIdle
		c.cancelStart = nil
		close(c.done)
		c.mu.Unlock()

		if aborted {
			if cause != nil {
				return fmt.Errorf("voice: start session: %w: %w", ErrSessionAborted, cause)
			}
			return fmt.Errorf("voice: start session: %w", ErrSessionAborted)
		}
		log.Error("voice: session start failed", "step", step, "err", err)
		return fmt.Errorf("voice: start session: %s: %w", step, err)
	}
	stale := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.gen != gen
	}

	mic, err := c.devices.OpenInput(startCtx)
	if err != nil {
		return abort("open microphone", err)
	}
	closers = append(closers, mic.Close)
	if stale() {
		return abort("open microphone", nil)
	}

	out, err := c.devices.OpenOutput(startCtx)
	if err != nil {
		return abort("open output", err)
	}
	closers = append(closers, out.Close)
	if stale() {
		return abort("open output", nil)
	}

	sched := playback.New(out, playback.WithLogger(log))
	closers = append(closers, func() error { sched.StopAll(); return nil })

	connectStart := time.Now()
	connectCtx, span := observe.StartProviderSpan(startCtx, "connect", "live")
	d, err := Open(connectCtx, c.live, c.cfg.Live, sched, c.handlers(gen, log),
		WithOutputRate(c.cfg.OutputRate),
		WithDuplexMetrics(c.metrics),
		WithDuplexLogger(log),
	)
	observe.EndSpan(span, err)
	c.metrics.RecordProviderCall(startCtx, "live", "connect", err)
	if err != nil {
		return abort("connect", err)
	}
	c.metrics.LiveConnectDuration.Record(startCtx, time.Since(connectStart).Seconds())
	closers = append(closers, func() error { d.Close(); return nil })
	if stale() {
		return abort("connect", nil)
	}

	capture := NewCapture(mic, c.cfg.Live.InputRate,
		WithQueueDepth(c.cfg.QueueDepth),
		WithCaptureMetrics(c.metrics),
		WithCaptureLogger(log),
	)
	closers = append(closers, func() error { capture.Stop(); return nil })
	if err := capture.Start(c.forward(d, log)); err != nil {
		return abort("start capture", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return abort("start capture", nil)
	}
	c.phase = PhaseActive
	c.duplex = d
	c.closers = closers
	c.cancelStart = nil
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("voice: session started",
		"model", c.cfg.Live.Model,
		"voice", c.cfg.Live.Voice,
		"input_rate", c.cfg.Live.InputRate,
	)
	return nil
}

// StopSession ends the current session, if any, and waits until its
// resources are released. It is idempotent and may be called in any phase,
// including while StartSession is still connecting.
func (c *Controller) StopSession() error {
	return c.stop(0, true)
}

// Close stops the current session. It implements [io.Closer].
func (c *Controller) Close() error {
	return c.StopSession()
}

// stop is the single release path. onlyGen restricts it to that session
// generation (0 matches any). With wait unset it does not block on a start
// attempt that another goroutine is unwinding.
func (c *Controller) stop(onlyGen uint64, wait bool) error {
	c.mu.Lock()
	if onlyGen != 0 && onlyGen != c.gen {
		c.mu.Unlock()
		return nil
	}
	done := c.done

	switch c.phase {
	case PhaseIdle:
		c.mu.Unlock()
		return nil

	case PhaseStarting:
		c.gen++
		c.phase = PhaseStopping
		cancel := c.cancelStart
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if wait {
			<-done
		}
		return nil

	case PhaseStopping:
		c.mu.Unlock()
		if wait {
			<-done
		}
		return nil
	}

	c.gen++
	c.phase = PhaseStopping
	closers := c.closers
	c.closers = nil
	c.duplex = nil
	id := c.sessionID
	c.mu.Unlock()

	err := release(closers)

	c.mu.Lock()
	c.phase = PhaseIdle
	close(done)
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(context.Background(), -1)
	if err != nil {
		c.log.Warn("voice: session released with errors", "session_id", id, "err", err)
		return fmt.Errorf("voice: stop session: %w", err)
	}
	c.log.Info("voice: session stopped", "session_id", id)
	return nil
}

// release calls closers in reverse acquisition order and joins their errors.
func release(closers []func() error) error {
	var errs []error
	for _, fn := range slices.Backward(closers) {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handlers binds the duplex callbacks to generation gen.
func (c *Controller) handlers(gen uint64, log *slog.Logger) Handlers {
	return Handlers{
		OnMessage: func(msg ChatMessage) {
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				return
			}
			c.conv = append(c.conv, msg)
			hook := c.onMessage
			c.mu.Unlock()
			if hook != nil {
				hook(msg)
			}
		},
		OnError: func(err error) {
			c.mu.Lock()
			if c.gen == gen {
				c.lastErr = err
			}
			c.mu.Unlock()
			c.metrics.RecordProviderError(context.Background(), "live", "session")
			log.Warn("voice: session failed, stopping", "err", err)
			if serr := c.stop(gen, false); serr != nil {
				log.Warn("voice: stop after failure", "err", serr)
			}
		},
		OnClose: func(requested bool) {
			if requested {
				return
			}
			if serr := c.stop(gen, false); serr != nil {
				log.Warn("voice: stop after remote close", "err", serr)
			}
		},
	}
}

// forward sends each captured chunk, dropping it when the session cannot
// take it.
func (c *Controller) forward(d *Duplex, log *slog.Logger) func(audio.MediaChunk) {
	sent := metric.WithAttributes(observe.Attr("provider", "live"))
	return func(chunk audio.MediaChunk) {
		if err := d.Send(chunk); err != nil {
			c.metrics.RecordFrameDropped(context.Background(), "send_error")
			log.Debug("voice: dropping captured frame", "err", err)
			return
		}
		c.metrics.FramesSent.Add(context.Background(), 1, sent)
	}
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Messages returns a copy of the conversation of the current or most recent
// session.
func (c *Controller) Messages() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.conv)
}

// Err returns the error that ended the most recent session, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done returns a channel closed once the current session is fully released.
// While idle the returned channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Status returns a snapshot for display.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		Phase:     c.phase,
		SessionID: c.sessionID,
		StartedAt: c.startedAt,
		Messages:  slices.Clone(c.conv),
	}
	if st.Messages == nil {
		st.Messages = []ChatMessage{}
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
	}
	d := c.duplex
	c.mu.Unlock()

	if d != nil {
		st.PartialInput, st.PartialOutput = d.Partial()
	}
	return st
}
