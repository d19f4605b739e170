// Package gemini provides a single-shot TTS provider backed by the Gemini
// speech generation models through google.golang.org/genai.
package gemini

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/MrWong99/talescribe/pkg/provider/tts"
)

const (
	// DefaultModel is the speech generation model used when none is set.
	DefaultModel = "gemini-2.5-flash-preview-tts"

	// DefaultVoice is the prebuilt voice used when a request names none.
	DefaultVoice = "Kore"

	// defaultRate applies when the returned MIME type carries no rate.
	defaultRate = 24000
)

var prebuiltVoices = []string{
	"Achernar", "Aoede", "Charon", "Enceladus", "Fenrir", "Kore",
	"Leda", "Orus", "Puck", "Schedar", "Sulafat", "Zephyr",
}

// Provider implements tts.Provider using Gemini native audio output.
type Provider struct {
	client *genai.Client
	model  string
	voice  string
}

type config struct {
	baseURL    string
	model      string
	voice      string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the speech model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice sets the default prebuilt voice.
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Gemini TTS Provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini tts: apiKey must not be empty")
	}
	cfg := &config{model: DefaultModel, voice: DefaultVoice}
	for _, o := range opts {
		o(cfg)
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini tts: create client: %w", err)
	}
	return &Provider{client: client, model: cfg.model, voice: cfg.voice}, nil
}

// Synthesize implements tts.Provider. Inline audio parts are concatenated;
// all parts must share one format.
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

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Text, genai.RoleUser)}
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini tts: generate content: %w", err)
	}

	var (
		pcm      bytes.Buffer
		mimeType string
	)
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if mimeType == "" {
				mimeType = part.InlineData.MIMEType
			} else if part.InlineData.MIMEType != mimeType {
				return nil, fmt.Errorf("gemini tts: mixed audio formats %q and %q", mimeType, part.InlineData.MIMEType)
			}
			pcm.Write(part.InlineData.Data)
		}
		break
	}
	if pcm.Len() == 0 {
		return nil, fmt.Errorf("gemini tts: %w", tts.ErrEmptyAudio)
	}

	rate, channels := defaultRate, 1
	if mimeType != "" {
		if rate, channels, err = tts.ParsePCMMIME(mimeType, defaultRate); err != nil {
			return nil, fmt.Errorf("gemini tts: %w", err)
		}
	}
	return &tts.Audio{PCM: pcm.Bytes(), SampleRate: rate, Channels: channels}, nil
}

// ListVoices implements tts.Provider. The prebuilt catalogue is static.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	out := make([]tts.Voice, 0, len(prebuiltVoices))
	for _, v := range prebuiltVoices {
		out = append(out, tts.Voice{ID: v, Name: v})
	}
	return out, nil
}
