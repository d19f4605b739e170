// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64 PCM media chunks; model audio,
// transcriptions and turn signals are surfaced in arrival order on the
// session's event channel.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/talescribe/pkg/audio"
	"github.com/MrWong99/talescribe/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// sendTimeout bounds a single outbound write so a stalled socket cannot
	// wedge the capture worker.
	sendTimeout = 2 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Voices returns the prebuilt voice names accepted by the Live API.
func (p *Provider) Voices() []string {
	return []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"}
}

// Connect dials the Live endpoint, sends the setup message and waits for the
// server's setupComplete acknowledgement. ctx bounds only the handshake.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: dial: %v", live.ErrConnection, err)
	}
	// Model audio chunks can exceed the library's 32 KiB default.
	conn.SetReadLimit(16 << 20)

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	inputRate := cfg.InputRate
	if inputRate <= 0 {
		inputRate = 16000
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		inputMIME: audio.PCMMIMEType(inputRate),
		events:    make(chan live.Event, eventBuffer),
		done:      make(chan struct{}),
		ctx:       sessCtx,
		cancel:    sessCancel,
		log:       p.log,
	}

	if err := sess.handshake(ctx, model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("%w: gemini: setup: %v", live.ErrConnection, err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%s)", msg, e.Status)
	}
	return "gemini: " + msg
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	inputMIME string
	events    chan live.Event
	log       *slog.Logger

	closing atomic.Bool
	done    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// handshake sends the setup message and blocks until setupComplete, an error
// message, or ctx expiry.
func (s *session) handshake(ctx context.Context, model string, cfg live.Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	if err := s.writeJSON(ctx, msg); err != nil {
		return err
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			continue
		}
		if sm.Error != nil {
			return sm.Error
		}
		if sm.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	var cause error
	defer func() { s.finish(cause) }()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.closing.Load() || s.ctx.Err() != nil {
				return
			}
			cause = describeClose(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}
		if !s.dispatch(&msg) {
			return
		}
	}
}

// dispatch emits the events carried by msg in protocol order. It returns
// false once the session context is done.
func (s *session) dispatch(msg *serverMessage) bool {
	if msg.Error != nil {
		if !s.emit(live.Event{Kind: live.EventError, Err: msg.Error}) {
			return false
		}
	}
	if msg.GoAway != nil {
		s.log.Info("gemini: server announced disconnect")
	}
	sc := msg.ServerContent
	if sc == nil {
		return true
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(live.Event{Kind: live.EventInputTranscript, Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			ev := live.Event{
				Kind:  live.EventAudio,
				Audio: audio.MediaChunk{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType},
			}
			if !s.emit(ev) {
				return false
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(live.Event{Kind: live.EventOutputTranscript, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}
	if sc.Interrupted {
		if !s.emit(live.Event{Kind: live.EventInterrupted}) {
			return false
		}
	}
	if sc.TurnComplete {
		if !s.emit(live.Event{Kind: live.EventTurnComplete}) {
			return false
		}
	}
	return true
}

func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// finish delivers the terminal close event and closes the channel. After a
// requested close the consumer may already be gone, so the send never blocks.
func (s *session) finish(cause error) {
	s.closeOnce.Do(func() {
		requested := s.closing.Load()
		ev := live.Event{Kind: live.EventClose, Requested: requested}
		if !requested {
			if cause == nil {
				cause = fmt.Errorf("%w: gemini: connection closed", live.ErrConnection)
			}
			ev.Err = cause
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
			}
		} else {
			select {
			case s.events <- ev:
			default:
			}
		}
		close(s.events)
		s.cancel()
	})
}

// describeClose turns a read error into an ErrConnection with the close
// status when the server sent one.
func describeClose(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: gemini: closed by server: %d %s", live.ErrConnection, ce.Code, ce.Reason)
	}
	return fmt.Errorf("%w: gemini: read: %v", live.ErrConnection, err)
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── live.Session methods ───────────────────────────────────────────────────────

// Send delivers one encoded PCM chunk to the model.
func (s *session) Send(chunk audio.MediaChunk) error {
	if s.closing.Load() || s.ctx.Err() != nil {
		return fmt.Errorf("%w: gemini: session closed", live.ErrSend)
	}
	mimeType := chunk.MIMEType
	if mimeType == "" {
		mimeType = s.inputMIME
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: mimeType, Data: chunk.Data}},
		},
	}
	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("%w: gemini: %v", live.ErrSend, err)
	}
	return nil
}

// Events returns the ordered inbound event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done) // signals keepaliveLoop
	// Close performs the closing handshake; the receive loop observes the
	// close frame and exits.
	err := s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.cancel()
	if err != nil {
		s.log.Debug("gemini: close handshake", "err", err)
	}
	return nil
}
