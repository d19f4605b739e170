// Package config provides the configuration schema, loader, provider registry
// and file watcher for talescribe.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Story       StoryConfig       `yaml:"story"`
	Voice       VoiceConfig       `yaml:"voice"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// RequestTimeout bounds every generation and synthesis request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// CredentialsConfig configures where the shared API key comes from.
type CredentialsConfig struct {
	// APIKey is used for every provider entry without its own api_key.
	// Leave empty to read GEMINI_API_KEY or GOOGLE_API_KEY instead.
	APIKey string `yaml:"api_key"`

	// EnvFiles lists .env files consulted after the environment.
	EnvFiles []string `yaml:"env_files"`

	// Prompt asks for a key on the terminal when none is found.
	Prompt bool `yaml:"prompt"`
}

// ProvidersConfig declares which implementation serves each capability.
// Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// Text serves narration, analysis and search.
	Text ProviderEntry `yaml:"text"`

	// Speech serves single-shot text-to-speech.
	Speech ProviderEntry `yaml:"speech"`

	// Live serves duplex voice sessions.
	Live ProviderEntry `yaml:"live"`

	// CircuitBreaker tunes the breaker placed in front of every text and
	// speech backend.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini", "openai").
	Name string `yaml:"name"`

	// APIKey overrides the shared credential for this provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails upstream. Only
	// honoured for text and speech.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// CircuitBreakerConfig mirrors the resilience breaker settings.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// StoryConfig holds defaults for narration, analysis, search and speech.
// Hot-reloadable.
type StoryConfig struct {
	// Style is the default narrative style.
	Style string `yaml:"style"`

	// Voice is the default speech voice.
	Voice string `yaml:"voice"`

	// SearchModel overrides the text model for search-grounded chat.
	SearchModel string `yaml:"search_model"`

	// Temperature is passed to narration and analysis.
	Temperature float64 `yaml:"temperature"`

	// MaxTranscriptChars truncates long transcripts before prompting.
	MaxTranscriptChars int `yaml:"max_transcript_chars"`
}

// VoiceConfig configures duplex voice sessions and the audio devices.
type VoiceConfig struct {
	// Voice is the prebuilt voice the live model speaks with.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt of every conversation.
	Instructions string `yaml:"instructions"`

	// InputRate is the rate microphone audio is sent at. Default 16000.
	InputRate int `yaml:"input_rate"`

	// OutputRate is the playback rate. Default 24000.
	OutputRate int `yaml:"output_rate"`

	// QueueDepth bounds the capture queue in frames.
	QueueDepth int `yaml:"queue_depth"`

	// Device selects the audio backend.
	Device DeviceConfig `yaml:"device"`
}

// DeviceConfig selects the audio backend.
type DeviceConfig struct {
	// Backend is "portaudio", "file" or "null".
	Backend string `yaml:"backend"`

	// InputFile is a WAV file used as microphone by the file backend.
	InputFile string `yaml:"input_file"`

	// OutputFile receives a WAV recording of playback for file and null.
	OutputFile string `yaml:"output_file"`

	// FramesPerBuffer is the device block size.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default "talescribe".
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where Prometheus metrics are served. Default "/metrics".
	// Set to "-" to disable the endpoint.
	MetricsPath string `yaml:"metrics_path"`
}
