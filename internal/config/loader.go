package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"text":   {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"speech": {"gemini", "openai", "elevenlabs"},
	"live":   {"gemini"},
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultRequestTimeout  = 2 * time.Minute
	DefaultShutdownTimeout = 15 * time.Second
	DefaultInputRate       = 16000
	DefaultOutputRate      = 24000
	DefaultMetricsPath     = "/metrics"
)

// Default returns a configuration with every default applied and Gemini
// serving all three capabilities.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values in cfg.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	p := &cfg.Providers
	for _, e := range []*ProviderEntry{&p.Text, &p.Speech, &p.Live} {
		if e.Name == "" {
			e.Name = "gemini"
		}
	}

	v := &cfg.Voice
	if v.InputRate == 0 {
		v.InputRate = DefaultInputRate
	}
	if v.OutputRate == 0 {
		v.OutputRate = DefaultOutputRate
	}
	if v.Device.Backend == "" {
		v.Device.Backend = "portaudio"
	}

	t := &cfg.Telemetry
	if t.ServiceName == "" {
		t.ServiceName = "talescribe"
	}
	if t.MetricsPath == "" {
		t.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.RequestTimeout < 0 || cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}

	// Providers
	errs = append(errs, validateEntry("providers.text", "text", cfg.Providers.Text, true)...)
	errs = append(errs, validateEntry("providers.speech", "speech", cfg.Providers.Speech, true)...)
	errs = append(errs, validateEntry("providers.live", "live", cfg.Providers.Live, false)...)
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}

	// Story
	if t := cfg.Story.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("story.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Story.MaxTranscriptChars < 0 {
		errs = append(errs, errors.New("story.max_transcript_chars must not be negative"))
	}

	// Voice
	for name, rate := range map[string]int{"voice.input_rate": cfg.Voice.InputRate, "voice.output_rate": cfg.Voice.OutputRate} {
		if rate != 0 && (rate < 8000 || rate > 96000) {
			errs = append(errs, fmt.Errorf("%s %d is out of range [8000, 96000]", name, rate))
		}
	}
	if cfg.Voice.QueueDepth < 0 {
		errs = append(errs, errors.New("voice.queue_depth must not be negative"))
	}
	switch d := cfg.Voice.Device; d.Backend {
	case "", "portaudio", "null":
	case "file":
		if d.InputFile == "" {
			errs = append(errs, errors.New("voice.device.input_file is required when backend is file"))
		}
	default:
		errs = append(errs, fmt.Errorf("voice.device.backend %q is invalid; valid values: portaudio, file, null", d.Backend))
	}

	// Telemetry
	if p := cfg.Telemetry.MetricsPath; p != "" && p != "-" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}

	return errors.Join(errs...)
}

func validateEntry(path, kind string, e ProviderEntry, fallbacks bool) []error {
	var errs []error
	validateProviderName(kind, e.Name)
	if len(e.Fallbacks) > 0 && !fallbacks {
		errs = append(errs, fmt.Errorf("%s.fallbacks is not supported", path))
	}
	for i, fb := range e.Fallbacks {
		p := fmt.Sprintf("%s.fallbacks[%d]", path, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", p))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks must not be nested", p))
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// SlogLevel converts l to an slog level. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
