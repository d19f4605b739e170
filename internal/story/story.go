// Package story turns uploaded transcripts into narratives and structured
// analyses, speaks generated text and answers search-grounded questions.
//
// Every operation is a single request to the configured text or speech
// provider. Nothing is retried here; callers wrap the providers in
// [resilience.LLMFallback] and [resilience.TTSFallback] to fail fast while an
// upstream is unhealthy.
//
// [resilience.LLMFallback]: github.com/MrWong99/talescribe/internal/resilience.LLMFallback
// [resilience.TTSFallback]: github.com/MrWong99/talescribe/internal/resilience.TTSFallback
package story

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/talescribe/internal/observe"
	"github.com/MrWong99/talescribe/internal/transcript"
	"github.com/MrWong99/talescribe/pkg/audio"
	"github.com/MrWong99/talescribe/pkg/provider/llm"
	"github.com/MrWong99/talescribe/pkg/provider/tts"
)

var (
	// ErrUpstream wraps every failure reported by a text or speech provider.
	ErrUpstream = errors.New("story: upstream request failed")

	// ErrInvalidInput is returned when a request is missing required text.
	ErrInvalidInput = errors.New("story: invalid input")
)

// Config holds the tunable defaults of a [Service]. It can be swapped at
// runtime with [Service.SetConfig].
type Config struct {
	// TextModel overrides the text provider's default model.
	TextModel string

	// SearchModel overrides the model used for search-grounded chat.
	SearchModel string

	// SpeechModel overrides the speech provider's default model.
	SpeechModel string

	// Voice is used when a speak request names none.
	Voice string

	// Style is the narrative style used when a request names none.
	Style string

	// Temperature is passed to text generation. Zero keeps the backend
	// default.
	Temperature float64

	// MaxTranscriptChars truncates transcripts before prompting. Zero
	// disables truncation.
	MaxTranscriptChars int
}

// Timeframe is one highlighted span of an analysis.
type Timeframe struct {
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
	Description string `json:"description"`
}

// Analysis is the structured answer to a query about a transcript.
type Analysis struct {
	AnalysisText string      `json:"analysisText"`
	Timeframes   []Timeframe `json:"timeframes"`

	// Degraded is set when the model output was not valid JSON and the raw
	// text was returned instead.
	Degraded bool `json:"degraded,omitempty"`
}

// SearchResult is a search-grounded answer with its cited sources.
type SearchResult struct {
	Text    string       `json:"text"`
	Sources []llm.Source `json:"sources"`
}

// Speech is synthesised audio in a WAV container.
type Speech struct {
	WAV        []byte
	SampleRate int
	Channels   int
	Duration   time.Duration

	// PCM is the raw audio the WAV was built from, for local playback.
	PCM []byte
}

// Option is a functional option for [New].
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics sets the metrics recorder. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithProviderNames sets the provider labels used in metrics.
func WithProviderNames(text, speech string) Option {
	return func(s *Service) { s.textName, s.speechName = text, speech }
}

// Service implements the request/response story operations. It is safe for
// concurrent use.
type Service struct {
	text   llm.Provider
	speech tts.Provider

	cfg atomic.Pointer[Config]

	log        *slog.Logger
	metrics    *observe.Metrics
	textName   string
	speechName string
}

// New returns a Service. speech may be nil when only text operations are
// needed; [Service.Speak] then fails with [ErrUpstream].
func New(text llm.Provider, speech tts.Provider, cfg Config, opts ...Option) *Service {
	s := &Service{
		text:       text,
		speech:     speech,
		textName:   "text",
		speechName: "speech",
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.SetConfig(cfg)
	return s
}

// SetConfig replaces the defaults used by subsequent calls.
func (s *Service) SetConfig(cfg Config) {
	if cfg.Style == "" {
		cfg.Style = DefaultStyle
	}
	s.cfg.Store(&cfg)
}

// Config returns the current defaults.
func (s *Service) Config() Config { return *s.cfg.Load() }

// Capabilities reports what the text provider supports.
func (s *Service) Capabilities() llm.Capabilities { return s.text.Capabilities() }

// Narrate writes a narrative retelling of t in the given style. An empty
// style selects the configured default.
func (s *Service) Narrate(ctx context.Context, t *transcript.Transcript, style string) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: no transcript", ErrInvalidInput)
	}
	cfg := s.Config()
	if style = strings.TrimSpace(style); style == "" {
		style = cfg.Style
	}

	resp, err := s.generate(ctx, "narrate", llm.Request{
		Model:             cfg.TextModel,
		SystemInstruction: narrateSystemPrompt,
		Prompt:            fmt.Sprintf(narratePromptTemplate, style, s.clip(t.Prompt(), cfg)),
		Temperature:       cfg.Temperature,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// Analyze answers query about t and extracts the relevant timeframes. When
// the model output cannot be parsed even after repair, the raw text is
// returned with no timeframes and Degraded set.
func (s *Service) Analyze(ctx context.Context, t *transcript.Transcript, query string) (*Analysis, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: no transcript", ErrInvalidInput)
	}
	if query = strings.TrimSpace(query); query == "" {
		return nil, fmt.Errorf("%w: query must not be empty", ErrInvalidInput)
	}
	cfg := s.Config()

	resp, err := s.generate(ctx, "analyze", llm.Request{
		Model:             cfg.TextModel,
		SystemInstruction: analyzeSystemPrompt,
		Prompt:            fmt.Sprintf(analyzePromptTemplate, query, s.clip(t.Prompt(), cfg)),
		Schema:            AnalysisSchema(),
		Temperature:       cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}

	a, perr := parseAnalysis(resp.Text)
	if perr != nil {
		s.log.WarnContext(ctx, "story: analysis output is not valid JSON, returning raw text", "err", perr)
		return &Analysis{AnalysisText: strings.TrimSpace(resp.Text), Timeframes: []Timeframe{}, Degraded: true}, nil
	}
	return a, nil
}

// Search answers prompt with the provider's search tool enabled.
func (s *Service) Search(ctx context.Context, prompt string) (*SearchResult, error) {
	if prompt = strings.TrimSpace(prompt); prompt == "" {
		return nil, fmt.Errorf("%w: prompt must not be empty", ErrInvalidInput)
	}
	resp, err := s.generate(ctx, "search", llm.Request{
		Model:  s.Config().SearchModel,
		Prompt: prompt,
		Search: true,
	})
	if err != nil {
		return nil, err
	}
	sources := resp.Sources
	if sources == nil {
		sources = []llm.Source{}
	}
	return &SearchResult{Text: strings.TrimSpace(resp.Text), Sources: sources}, nil
}

// Speak synthesises text and wraps the audio in a WAV container. An empty
// voice selects the configured default.
func (s *Service) Speak(ctx context.Context, text, voice string) (*Speech, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text must not be empty", ErrInvalidInput)
	}
	if s.speech == nil {
		return nil, fmt.Errorf("%w: no speech provider configured", ErrUpstream)
	}
	cfg := s.Config()
	if voice == "" {
		voice = cfg.Voice
	}

	ctx, span := observe.StartProviderSpan(ctx, "speak", s.speechName)
	start := time.Now()
	a, err := s.speech.Synthesize(ctx, tts.Request{Text: text, Voice: voice, Model: cfg.SpeechModel})
	observe.EndSpan(span, err)
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.speechName)))
	s.metrics.RecordProviderCall(ctx, s.speechName, "tts", err)
	if err != nil {
		return nil, s.upstream("speak", err)
	}

	channels := max(a.Channels, 1)
	bytesPerSecond := a.SampleRate * channels * 2
	var dur time.Duration
	if bytesPerSecond > 0 {
		dur = time.Duration(len(a.PCM)) * time.Second / time.Duration(bytesPerSecond)
	}
	return &Speech{
		WAV:        audio.PCMToWAV(a.PCM, a.SampleRate, channels),
		SampleRate: a.SampleRate,
		Channels:   channels,
		Duration:   dur,
		PCM:        a.PCM,
	}, nil
}

// Voices lists the speech provider's voices.
func (s *Service) Voices(ctx context.Context) ([]tts.Voice, error) {
	if s.speech == nil {
		return nil, fmt.Errorf("%w: no speech provider configured", ErrUpstream)
	}
	v, err := s.speech.ListVoices(ctx)
	if err != nil {
		return nil, s.upstream("list voices", err)
	}
	return v, nil
}

func (s *Service) generate(ctx context.Context, op string, req llm.Request) (*llm.Response, error) {
	ctx, span := observe.StartProviderSpan(ctx, op, s.textName)
	start := time.Now()
	resp, err := s.text.Generate(ctx, req)
	observe.EndSpan(span, err)
	s.metrics.GenerateDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.textName), observe.Attr("operation", op)))
	s.metrics.RecordProviderCall(ctx, s.textName, op, err)
	if err != nil {
		return nil, s.upstream(op, err)
	}
	s.log.DebugContext(ctx, "story: generated",
		"op", op,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"sources", len(resp.Sources),
	)
	return resp, nil
}

// upstream wraps err with ErrUpstream. Cancellation and unsupported
// requests are passed through so callers can tell them apart.
func (s *Service) upstream(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, llm.ErrUnsupported) {
		return fmt.Errorf("story: %s: %w", op, err)
	}
	return fmt.Errorf("story: %s: %w: %w", op, ErrUpstream, err)
}

func (s *Service) clip(text string, cfg Config) string {
	if cfg.MaxTranscriptChars <= 0 || len(text) <= cfg.MaxTranscriptChars {
		return text
	}
	cut := cfg.MaxTranscriptChars
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	s.log.Info("story: transcript truncated", "chars", len(text), "limit", cfg.MaxTranscriptChars)
	return text[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
