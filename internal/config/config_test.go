package config_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/talescribe/internal/config"
	"github.com/MrWong99/talescribe/pkg/provider/live"
	livemock "github.com/MrWong99/talescribe/pkg/provider/live/mock"
	"github.com/MrWong99/talescribe/pkg/provider/llm"
	llmmock "github.com/MrWong99/talescribe/pkg/provider/llm/mock"
	"github.com/MrWong99/talescribe/pkg/provider/tts"
	ttsmock "github.com/MrWong99/talescribe/pkg/provider/tts/mock"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  request_timeout: 30s
credentials:
  env_files: [".env", ".env.local"]
providers:
  text:
    name: gemini
    model: gemini-2.5-flash
    fallbacks:
      - name: openai
        model: gpt-4o-mini
  speech:
    name: elevenlabs
    api_key: xi-key
    options:
      voice_id: Rachel
  live:
    name: gemini
  circuit_breaker:
    max_failures: 3
    reset_timeout: 10s
story:
  style: gothic horror
  voice: Puck
  temperature: 0.7
voice:
  instructions: You are a wise old storyteller.
  device:
    backend: file
    input_file: mic.wav
    output_file: out.wav
telemetry:
  service_name: talescribe-test
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Server.RequestTimeout != 30*time.Second {
		t.Errorf("request_timeout: got %v", cfg.Server.RequestTimeout)
	}
	if got := cfg.Providers.Text.Fallbacks; len(got) != 1 || got[0].Name != "openai" {
		t.Errorf("text fallbacks: got %+v", got)
	}
	if got := config.OptString(cfg.Providers.Speech.Options, "voice_id"); got != "Rachel" {
		t.Errorf("speech voice_id option: got %q", got)
	}
	if cfg.Providers.CircuitBreaker.ResetTimeout != 10*time.Second {
		t.Errorf("reset_timeout: got %v", cfg.Providers.CircuitBreaker.ResetTimeout)
	}
	if cfg.Story.Style != "gothic horror" || cfg.Story.Temperature != 0.7 {
		t.Errorf("story: got %+v", cfg.Story)
	}
	if cfg.Voice.Device.Backend != "file" || cfg.Voice.Device.InputFile != "mic.wav" {
		t.Errorf("device: got %+v", cfg.Voice.Device)
	}
	// Defaults still fill the gaps.
	if cfg.Voice.InputRate != config.DefaultInputRate || cfg.Voice.OutputRate != config.DefaultOutputRate {
		t.Errorf("rates: got %d/%d", cfg.Voice.InputRate, cfg.Voice.OutputRate)
	}
	if cfg.Telemetry.MetricsPath != config.DefaultMetricsPath {
		t.Errorf("metrics_path: got %q", cfg.Telemetry.MetricsPath)
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}
	want := config.Default()
	if cfg.Server != want.Server || cfg.Story != want.Story || cfg.Voice != want.Voice {
		t.Errorf("got %+v, want defaults %+v", cfg, want)
	}
	for _, e := range []config.ProviderEntry{cfg.Providers.Text, cfg.Providers.Speech, cfg.Providers.Live} {
		if e.Name != "gemini" {
			t.Errorf("default provider = %q, want gemini", e.Name)
		}
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/talescribe.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Providers.Text.Name != "gemini" || len(cfg.Providers.Text.Fallbacks) != 1 {
		t.Errorf("text provider = %+v", cfg.Providers.Text)
	}
	if cfg.Providers.CircuitBreaker.ResetTimeout != 30*time.Second {
		t.Errorf("reset_timeout = %v", cfg.Providers.CircuitBreaker.ResetTimeout)
	}
	if cfg.Voice.Device.Backend != "portaudio" || cfg.Telemetry.MetricsPath != "/metrics" {
		t.Errorf("voice/telemetry = %+v / %+v", cfg.Voice.Device, cfg.Telemetry)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		want  string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		if got := tt.level.SlogLevel().String(); got != tt.want {
			t.Errorf("%q.SlogLevel() = %s, want %s", tt.level, got, tt.want)
		}
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	ctx := context.Background()
	entry := config.ProviderEntry{Name: "nonexistent"}

	if _, err := reg.CreateText(ctx, entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateText: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateSpeech(ctx, entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSpeech: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateLive(ctx, entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLive: expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	ctx := context.Background()

	var gotEntry config.ProviderEntry
	reg.RegisterText("stub", func(_ context.Context, e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return &llmmock.Provider{}, nil
	})
	reg.RegisterSpeech("stub", func(context.Context, config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})
	reg.RegisterLive("stub", func(context.Context, config.ProviderEntry) (live.Provider, error) {
		return &livemock.Provider{}, nil
	})

	entry := config.ProviderEntry{Name: "stub", APIKey: "k", Model: "m"}
	if p, err := reg.CreateText(ctx, entry); err != nil || p == nil {
		t.Fatalf("CreateText: %v, %v", p, err)
	}
	if gotEntry.APIKey != "k" || gotEntry.Model != "m" {
		t.Errorf("factory received %+v", gotEntry)
	}
	if p, err := reg.CreateSpeech(ctx, entry); err != nil || p == nil {
		t.Errorf("CreateSpeech: %v, %v", p, err)
	}
	if p, err := reg.CreateLive(ctx, entry); err != nil || p == nil {
		t.Errorf("CreateLive: %v, %v", p, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := errors.New("boom")
	reg.RegisterText("bad", func(context.Context, config.ProviderEntry) (llm.Provider, error) {
		return nil, want
	})
	if _, err := reg.CreateText(context.Background(), config.ProviderEntry{Name: "bad"}); !errors.Is(err, want) {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, n := range []string{"openai", "gemini", "ollama"} {
		reg.RegisterText(n, func(context.Context, config.ProviderEntry) (llm.Provider, error) { return nil, nil })
	}
	if got, want := reg.Names("text"), []string{"gemini", "ollama", "openai"}; !slices.Equal(got, want) {
		t.Errorf("Names(text) = %v, want %v", got, want)
	}
	if got := reg.Names("speech"); len(got) != 0 {
		t.Errorf("Names(speech) = %v, want empty", got)
	}
}
