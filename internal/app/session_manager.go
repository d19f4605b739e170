package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/talescribe/internal/config"
	"github.com/MrWong99/talescribe/internal/voice"
	"github.com/MrWong99/talescribe/pkg/provider/live"
)

// SessionInfo holds metadata about the current or most recent voice session.
type SessionInfo struct {
	// SessionID is the unique identifier of the session.
	SessionID string `json:"session_id,omitempty"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at,omitzero"`

	// Provider is the live provider name serving the session.
	Provider string `json:"provider,omitempty"`

	// Model and Voice are the live settings the session was started with.
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`

	// Backend is the audio device backend.
	Backend string `json:"backend,omitempty"`
}

// SessionStatus combines the controller snapshot with session metadata.
type SessionStatus struct {
	voice.Status
	Info SessionInfo `json:"info"`
}

// SessionManager manages the lifecycle of voice sessions. Only one session
// can be active at a time. A fresh controller with freshly built providers
// is created for every start, so key and voice settings changed since the
// last session apply. The conversation of the last session stays readable
// until the next one starts.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	app *App

	mu       sync.Mutex
	ctrl     *voice.Controller
	info     SessionInfo
	starting bool
}

func newSessionManager(a *App) *SessionManager {
	return &SessionManager{app: a}
}

// Start begins a new voice session and returns once audio flows in both
// directions. ctx bounds the start only; the session runs until
// [SessionManager.Stop] or a remote close.
//
// Returns an error wrapping [voice.ErrSessionActive] if a session is already
// starting, running or stopping.
func (sm *SessionManager) Start(ctx context.Context) (SessionInfo, error) {
	sm.mu.Lock()
	if sm.starting {
		sm.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w (%s)", voice.ErrSessionActive, voice.PhaseStarting)
	}
	if sm.ctrl != nil && sm.ctrl.Phase() != voice.PhaseIdle {
		phase := sm.ctrl.Phase()
		sm.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w (%s)", voice.ErrSessionActive, phase)
	}

	cfg := sm.app.Config()
	ctrl, err := sm.newController(ctx, cfg)
	if err != nil {
		sm.mu.Unlock()
		return SessionInfo{}, err
	}
	sm.ctrl = ctrl
	sm.info = SessionInfo{
		Provider: cfg.Providers.Live.Name,
		Model:    cfg.Providers.Live.Model,
		Voice:    cfg.Voice.Voice,
		Backend:  cfg.Voice.Device.Backend,
	}
	sm.starting = true
	sm.mu.Unlock()

	// Outside the lock so Stop can abort a slow connect.
	err = ctrl.StartSession(ctx)

	sm.mu.Lock()
	sm.starting = false
	sm.mu.Unlock()
	if err != nil {
		return SessionInfo{}, err
	}

	st := ctrl.Status()
	sm.mu.Lock()
	if sm.ctrl == ctrl {
		sm.info.SessionID = st.SessionID
		sm.info.StartedAt = st.StartedAt
	}
	info := sm.info
	sm.mu.Unlock()
	return info, nil
}

// Stop ends the active session, if any, and waits until its resources are
// released. It is idempotent.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	return ctrl.StopSession()
}

// IsActive reports whether a session is starting, running or stopping.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.starting || (sm.ctrl != nil && sm.ctrl.Phase() != voice.PhaseIdle)
}

// Info returns metadata about the current or most recent session.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Status returns a snapshot of the current or most recent session.
func (sm *SessionManager) Status() SessionStatus {
	sm.mu.Lock()
	ctrl, info := sm.ctrl, sm.info
	sm.mu.Unlock()

	if ctrl == nil {
		return SessionStatus{Status: voice.Status{Phase: voice.PhaseIdle, Messages: []voice.ChatMessage{}}}
	}
	st := ctrl.Status()
	if info.SessionID == "" {
		info.SessionID = st.SessionID
		info.StartedAt = st.StartedAt
	}
	return SessionStatus{Status: st, Info: info}
}

// Done returns a channel closed when the current session is fully released.
// Without any session it is already closed.
func (sm *SessionManager) Done() <-chan struct{} {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return ctrl.Done()
}

func (sm *SessionManager) newController(ctx context.Context, cfg *config.Config) (*voice.Controller, error) {
	lp, err := sm.app.liveProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	devices, err := sm.app.devices(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: audio devices: %w", err)
	}
	v := cfg.Voice
	return voice.NewController(devices, lp, voice.ControllerConfig{
		Live: live.Config{
			Model:        cfg.Providers.Live.Model,
			Voice:        v.Voice,
			Instructions: v.Instructions,
			InputRate:    v.InputRate,
			Transcribe:   true,
		},
		OutputRate: v.OutputRate,
		QueueDepth: v.QueueDepth,
	},
		voice.WithControllerLogger(sm.app.log),
		voice.WithControllerMetrics(sm.app.metrics),
		voice.WithMessageHook(func(m voice.ChatMessage) {
			sm.app.log.Debug("voice message", "role", m.Role, "chars", len(m.Content))
		}),
	), nil
}
