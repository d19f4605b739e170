// Package web serves the browser UI and the JSON API of talescribe.
//
// Routes:
//
//	GET    /                     embedded UI
//	GET    /api/status           readiness, providers, breakers, story defaults
//	POST   /api/key              set the API key {"api_key": "..."}
//	POST   /api/story            multipart file (+style) -> {"story": "..."}
//	POST   /api/analyze          multipart file + query -> analysis
//	POST   /api/search           {"prompt": "..."} -> {"text", "sources"}
//	POST   /api/speak            {"text", "voice"} -> audio/wav
//	GET    /api/voices           speech voices
//	GET    /api/session          voice session snapshot
//	POST   /api/session          start the voice session
//	DELETE /api/session          stop the voice session
//	GET    /api/session/events   server-sent session snapshots
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/talescribe/internal/app"
	"github.com/MrWong99/talescribe/internal/config"
	"github.com/MrWong99/talescribe/internal/credential"
	"github.com/MrWong99/talescribe/internal/observe"
	"github.com/MrWong99/talescribe/internal/story"
	"github.com/MrWong99/talescribe/internal/transcript"
)

//go:embed ui
var uiFS embed.FS

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

// Application is the part of the application the server drives.
type Application interface {
	Config() *config.Config
	Credentials() *credential.Manager
	Story(ctx context.Context) (*story.Service, error)
	Sessions() *app.SessionManager
	BreakerStates() map[string]map[string]string
	Ready(ctx context.Context) error
}

// Server routes HTTP requests to the application.
type Server struct {
	app          Application
	log          *slog.Logger
	metrics      *observe.Metrics
	pollInterval time.Duration
	mux          *http.ServeMux
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPollInterval sets how often the session event stream samples the
// session. Defaults to 250ms.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithHandler mounts h at pattern, for /metrics and the health probes.
func WithHandler(pattern string, h http.Handler) Option {
	return func(s *Server) { s.mux.Handle(pattern, h) }
}

// New builds a Server with every route registered.
func New(a Application, opts ...Option) *Server {
	s := &Server{
		app:          a,
		log:          slog.Default(),
		metrics:      observe.DefaultMetrics(),
		pollInterval: 250 * time.Millisecond,
		mux:          http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}

	ui, _ := fs.Sub(uiFS, "ui")
	s.mux.Handle("GET /", http.FileServerFS(ui))
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/key", s.handleKey)
	s.mux.HandleFunc("POST /api/story", s.handleStory)
	s.mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	s.mux.HandleFunc("POST /api/search", s.handleSearch)
	s.mux.HandleFunc("POST /api/speak", s.handleSpeak)
	s.mux.HandleFunc("GET /api/voices", s.handleVoices)
	s.mux.HandleFunc("GET /api/session", s.handleSessionStatus)
	s.mux.HandleFunc("POST /api/session", s.handleSessionStart)
	s.mux.HandleFunc("DELETE /api/session", s.handleSessionStop)
	s.mux.HandleFunc("GET /api/session/events", s.handleSessionEvents)
	return s
}

// Handler returns the root handler wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.metrics)(s.mux)
}

// ─── status & key ────────────────────────────────────────────────────────────

type statusResponse struct {
	Ready            bool                         `json:"ready"`
	Error            string                       `json:"error,omitempty"`
	CredentialSource string                       `json:"credential_source,omitempty"`
	Providers        map[string]string            `json:"providers"`
	Breakers         map[string]map[string]string `json:"breakers"`
	Story            config.StoryConfig           `json:"story"`
	Session          string                       `json:"session"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.app.Config()
	_, source := s.app.Credentials().Store().Key()
	res := statusResponse{
		Ready:            true,
		CredentialSource: source,
		Providers: map[string]string{
			"text":   cfg.Providers.Text.Name,
			"speech": cfg.Providers.Speech.Name,
			"live":   cfg.Providers.Live.Name,
		},
		Breakers: s.app.BreakerStates(),
		Story:    cfg.Story,
		Session:  s.app.Sessions().Status().Phase.String(),
	}
	if err := s.app.Ready(r.Context()); err != nil {
		res.Ready = false
		res.Error = userMessage(err)
	}
	writeJSON(w, http.StatusOK, res)
}

type keyRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "set key", err)
		return
	}
	if req.APIKey == "" {
		s.fail(w, r, "set key", fmt.Errorf("%w: api_key must not be empty", errBadRequest))
		return
	}
	s.app.Credentials().Store().Set(req.APIKey, "web")
	s.log.InfoContext(r.Context(), "api key updated", "source", "web")
	w.WriteHeader(http.StatusNoContent)
}

// ─── story operations ────────────────────────────────────────────────────────

func (s *Server) handleStory(w http.ResponseWriter, r *http.Request) {
	t, err := readTranscript(w, r)
	if err != nil {
		s.fail(w, r, "story", err)
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	svc, err := s.app.Story(ctx)
	if err != nil {
		s.fail(w, r, "story", err)
		return
	}
	text, err := svc.Narrate(ctx, t, r.FormValue("style"))
	if err != nil {
		s.fail(w, r, "story", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"story": text})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	t, err := readTranscript(w, r)
	if err != nil {
		s.fail(w, r, "analyze", err)
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	svc, err := s.app.Story(ctx)
	if err != nil {
		s.fail(w, r, "analyze", err)
		return
	}
	a, err := svc.Analyze(ctx, t, r.FormValue("query"))
	if err != nil {
		s.fail(w, r, "analyze", err)
		return
	}
	if a.Timeframes == nil {
		a.Timeframes = []story.Timeframe{}
	}
	writeJSON(w, http.StatusOK, a)
}

type searchRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "search", err)
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	svc, err := s.app.Story(ctx)
	if err != nil {
		s.fail(w, r, "search", err)
		return
	}
	res, err := svc.Search(ctx, req.Prompt)
	if err != nil {
		s.fail(w, r, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type speakRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "speak", err)
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	svc, err := s.app.Story(ctx)
	if err != nil {
		s.fail(w, r, "speak", err)
		return
	}
	sp, err := svc.Speak(ctx, req.Text, req.Voice)
	if err != nil {
		s.fail(w, r, "speak", err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(sp.WAV)))
	w.Header().Set("Content-Disposition", `inline; filename="speech.wav"`)
	w.Header().Set("X-Audio-Duration-Ms", strconv.FormatInt(sp.Duration.Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sp.WAV)
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	svc, err := s.app.Story(ctx)
	if err != nil {
		s.fail(w, r, "voices", err)
		return
	}
	voices, err := svc.Voices(ctx)
	if err != nil {
		s.fail(w, r, "voices", err)
		return
	}
	writeJSON(w, http.StatusOK, voices)
}

// ─── voice session ───────────────────────────────────────────────────────────

func (s *Server) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Sessions().Status())
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()
	info, err := s.app.Sessions().Start(ctx)
	if err != nil {
		s.fail(w, r, "start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Sessions().Stop(); err != nil {
		s.fail(w, r, "stop session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionEvents streams a session snapshot whenever it changes.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		data, err := json.Marshal(s.app.Sessions().Status())
		if err != nil {
			s.log.WarnContext(r.Context(), "web: encode session status", "err", err)
			return
		}
		if string(data) != string(last) {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			last = data
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if d := s.app.Config().Server.RequestTimeout; d > 0 {
		return context.WithTimeout(r.Context(), d)
	}
	return context.WithCancel(r.Context())
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("web: request failed", "op", op, "status", status, "err", err)
	} else {
		log.Info("web: request rejected", "op", op, "status", status, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": userMessage(err)})
}

// readTranscript reads the uploaded "file" form field.
func readTranscript(w http.ResponseWriter, r *http.Request) (*transcript.Transcript, error) {
	r.Body = http.MaxBytesReader(w, r.Body, transcript.MaxSize+64<<10)
	if err := r.ParseMultipartForm(transcript.MaxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, transcript.ErrTooLarge
		}
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("%w: missing transcript file", errBadRequest)
	}
	defer f.Close()
	return transcript.Parse(hdr.Filename, f)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
