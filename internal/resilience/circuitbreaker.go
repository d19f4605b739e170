// Package resilience provides the circuit breaker and provider failover
// primitives that guard every upstream text and speech call.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open) that fails fast once an upstream has failed
// repeatedly. A breaker never retries: each call runs at most once.
// [FallbackGroup] composes several instances of one provider type, each with
// its own breaker, for deployments that configure explicit fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of calls are allowed through; if they succeed the breaker
	// closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes required in the
	// half-open state before the breaker closes again. Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error returned by the guarded call counts
	// against the breaker. Default: [IsUpstreamFailure].
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition with the mutex
	// released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// IsUpstreamFailure reports whether err should count as an upstream failure.
// Caller cancellation and deadline expiry do not.
func IsUpstreamFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsUpstreamFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// Name returns the label the breaker was created with.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn once if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. A context that is already done is
// reported without calling fn and without touching the failure count.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes, cb.probeSuccesses = 0, 0
	}
	probing := cb.state == StateHalfOpen
	if probing {
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probes++
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)

	err := fn(ctx)

	cb.mu.Lock()
	from = cb.state
	switch {
	case err != nil && cb.isFailure(err):
		cb.recordFailure(probing)
	case probing:
		// A non-failure error still frees the probe slot.
		if err == nil {
			cb.probeSuccesses++
		}
		cb.probes--
		if cb.probeSuccesses >= cb.halfOpenMax {
			cb.reset()
		}
	default:
		cb.consecutiveFail = 0
	}
	to = cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probing bool) {
	if probing || cb.state == StateHalfOpen {
		cb.trip()
		return
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.trip()
	}
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.consecutiveFail = cb.maxFailures
	cb.probes, cb.probeSuccesses = 0, 0
}

// reset closes the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) reset() {
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.probes, cb.probeSuccesses = 0, 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.name, "from", from)
	case StateHalfOpen:
		slog.Info("circuit breaker probing", "name", cb.name)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", cb.name)
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current [State] of the breaker. If the breaker is open
// and the reset timeout has elapsed, the returned state is [StateHalfOpen]
// (the actual transition happens on the next [CircuitBreaker.Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.reset()
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
