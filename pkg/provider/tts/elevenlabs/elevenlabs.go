// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface
// by sending the whole text in one stream and collecting the PCM it returns.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/talescribe/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultHTTPBase  = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the PCM output format ("pcm_16000", "pcm_22050",
// "pcm_24000" or "pcm_44100").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithVoice sets the voice ID used when a request names none.
func WithVoice(id string) Option {
	return func(p *Provider) {
		p.voice = id
	}
}

// WithBaseURLs overrides the WebSocket and HTTP API roots.
func WithBaseURLs(wsBase, httpBase string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(wsBase, "/")
		p.httpBase = strings.TrimRight(httpBase, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	voice        string
	wsBase       string
	httpBase     string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		httpBase:     defaultHTTPBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := sampleRate(p.outputFormat); err != nil {
		return nil, err
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// Synthesize opens a WebSocket to ElevenLabs, sends the text followed by the
// flush command, and collects audio until the final message or the server
// closes the stream.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	voice, model := req.Voice, req.Model
	if voice == "" {
		voice = p.voice
	}
	if voice == "" {
		return nil, errors.New("elevenlabs: voice ID must not be empty")
	}
	if model == "" {
		model = p.model
	}
	rate, _ := sampleRate(p.outputFormat)

	conn, _, err := websocket.Dial(ctx, p.buildURLForVoice(voice, model), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(8 << 20)

	// ElevenLabs requires a non-empty first text value.
	boi := boiMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		XiAPIKey:      p.apiKey,
	}
	for _, msg := range []any{boi, textMessage{Text: req.Text + " "}, textMessage{Text: ""}} {
		raw, _ := json.Marshal(msg)
		if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	var pcm bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				continue
			}
			pcm.Write(chunk)
		}
		if resp.IsFinal {
			break
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")

	if pcm.Len() == 0 {
		return nil, fmt.Errorf("elevenlabs: %w", tts.ErrEmptyAudio)
	}
	return &tts.Audio{PCM: pcm.Bytes(), SampleRate: rate, Channels: 1}, nil
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.httpBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return toVoices(vr), nil
}

// ---- helpers ----

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func (p *Provider) buildURLForVoice(voiceID, model string) string {
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s",
		p.wsBase, voiceID, model, p.outputFormat)
}

// sampleRate extracts the rate from a "pcm_<rate>" output format.
func sampleRate(format string) (int, error) {
	var rate int
	if _, err := fmt.Sscanf(format, "pcm_%d", &rate); err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q, want pcm_<rate>", format)
	}
	return rate, nil
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into voices.
func parseVoicesResponse(data []byte) ([]tts.Voice, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	return toVoices(vr), nil
}

func toVoices(vr voicesResponse) []tts.Voice {
	out := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		name := v.Name
		if v.Category != "" {
			name += " (" + v.Category + ")"
		}
		out = append(out, tts.Voice{ID: v.VoiceID, Name: name})
	}
	return out
}
