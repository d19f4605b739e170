// Package openai provides a single-shot TTS provider backed by the OpenAI
// speech endpoint. Audio is requested as raw PCM, which the API delivers as
// 24 kHz mono 16-bit little-endian samples.
package openai

import (
	"context"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/talescribe/pkg/provider/tts"
)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"
	pcmRate      = 24000
)

var voices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer"}

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
	voice  string
}

type config struct {
	baseURL string
	model   string
	voice   string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the speech model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice sets the default voice.
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// New constructs an OpenAI TTS Provider. Synthesize never retries.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel, voice: defaultVoice}
	for _, o := range opts {
		o(cfg)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model, voice: cfg.voice}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model, voice := req.Model, req.Voice
	if model == "" {
		model = p.model
	}
	if voice == "" {
		voice = p.voice
	}

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(model),
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("openai tts: %w", tts.ErrEmptyAudio)
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return &tts.Audio{PCM: pcm, SampleRate: pcmRate, Channels: 1}, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	out := make([]tts.Voice, 0, len(voices))
	for _, v := range voices {
		out = append(out, tts.Voice{ID: v, Name: v})
	}
	return out, nil
}
