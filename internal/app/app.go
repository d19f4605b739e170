// Package app wires the talescribe subsystems into a running application.
//
// The App owns the configuration, the credential manager and the provider
// registry. Providers are built lazily on first use and rebuilt whenever the
// API key or the provider configuration changes, so a key entered at runtime
// takes effect on the next request without a restart.
//
// For testing, inject provider doubles with [WithProviders]. Injected
// providers are used as-is and never rebuilt.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/talescribe/internal/config"
	"github.com/MrWong99/talescribe/internal/credential"
	"github.com/MrWong99/talescribe/internal/observe"
	"github.com/MrWong99/talescribe/internal/resilience"
	"github.com/MrWong99/talescribe/internal/story"
	"github.com/MrWong99/talescribe/pkg/audio/device"
	"github.com/MrWong99/talescribe/pkg/provider/live"
	"github.com/MrWong99/talescribe/pkg/provider/llm"
	"github.com/MrWong99/talescribe/pkg/provider/tts"
)

// keylessProviders run locally and work without any API key.
var keylessProviders = []string{"ollama", "llamacpp", "llamafile"}

// Providers holds one interface value per provider slot. A nil field is
// built from the config registry when first needed.
type Providers struct {
	Text    llm.Provider
	Speech  tts.Provider
	Live    live.Provider
	Devices device.Provider
}

// App owns all subsystem lifetimes. All exported methods are safe for
// concurrent use.
type App struct {
	registry *config.Registry
	creds    *credential.Manager
	injected Providers
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics

	cfg atomic.Pointer[config.Config]

	mu sync.Mutex
	// cfgGen is bumped when the provider section changes.
	cfgGen     uint64
	story      *story.Service
	storyStamp stamp
	text       *resilience.LLMFallback
	speech     *resilience.TTSFallback

	sessions *SessionManager
	stopOnce sync.Once
}

// stamp identifies the inputs a provider set was built from.
type stamp struct {
	keyVersion uint64
	cfgGen     uint64
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProviders injects provider instances instead of building them from
// the registry. Nil fields are still built.
func WithProviders(p Providers) Option {
	return func(a *App) { a.injected = p }
}

// WithLogger sets the application logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar registers the level variable that config reloads update.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics recorder. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App. registry supplies provider constructors for every slot
// that is not injected; creds supplies the shared API key.
func New(cfg *config.Config, registry *config.Registry, creds *credential.Manager, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if creds == nil {
		creds = credential.NewManager(credential.NewStore("", ""), nil, nil)
	}
	if registry == nil {
		registry = config.NewRegistry()
	}
	a := &App{
		registry: registry,
		creds:    creds,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}
	a.cfg.Store(cfg)
	if a.level != nil {
		a.level.Set(cfg.Server.LogLevel.SlogLevel())
	}
	a.sessions = newSessionManager(a)
	return a, nil
}

// Config returns the active configuration. Callers must not modify it.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Credentials returns the credential manager.
func (a *App) Credentials() *credential.Manager { return a.creds }

// Sessions returns the voice session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// UpdateConfig applies a reloaded configuration. Log level and story
// defaults change in place; provider changes take effect on the next
// request; voice changes on the next session.
func (a *App) UpdateConfig(next *config.Config) {
	prev := a.cfg.Swap(next)
	d := config.Diff(prev, next)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if next.Credentials.APIKey != "" && next.Credentials.APIKey != prev.Credentials.APIKey {
		a.creds.Store().Set(next.Credentials.APIKey, "config")
	}

	a.mu.Lock()
	if d.ProvidersChanged {
		a.cfgGen++
	}
	svc := a.story
	a.mu.Unlock()

	if d.StoryChanged && svc != nil {
		svc.SetConfig(storyConfig(next))
	}
	if d.VoiceChanged {
		a.log.Info("voice settings changed, applied to the next session")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("configuration changes require a restart", "settings", d.RestartRequired)
	}
}

// Story returns the story service, building its providers if the key or the
// provider configuration changed since the last call.
func (a *App) Story(ctx context.Context) (*story.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := stamp{keyVersion: a.creds.Store().Version(), cfgGen: a.cfgGen}
	if a.story != nil && a.storyStamp == cur {
		return a.story, nil
	}

	cfg := a.Config()
	text, err := a.buildText(ctx, cfg)
	if err != nil {
		return nil, err
	}
	speech, err := a.buildSpeech(ctx, cfg)
	if err != nil {
		// Text operations still work; Speak reports the missing backend.
		a.log.WarnContext(ctx, "speech provider unavailable", "provider", cfg.Providers.Speech.Name, "err", err)
		speech = nil
	}

	a.story = story.New(text, speech, storyConfig(cfg),
		story.WithLogger(a.log),
		story.WithMetrics(a.metrics),
		story.WithProviderNames(cfg.Providers.Text.Name, cfg.Providers.Speech.Name),
	)
	// The version may have moved while a prompt ran inside buildText.
	a.storyStamp = stamp{keyVersion: a.creds.Store().Version(), cfgGen: a.cfgGen}
	a.log.DebugContext(ctx, "story providers built",
		"text", cfg.Providers.Text.Name,
		"speech", cfg.Providers.Speech.Name,
	)
	return a.story, nil
}

// BreakerStates returns the circuit breaker state of every built text and
// speech backend, keyed by kind and backend name.
func (a *App) BreakerStates() map[string]map[string]string {
	a.mu.Lock()
	text, speech := a.text, a.speech
	a.mu.Unlock()

	out := make(map[string]map[string]string, 2)
	if text != nil {
		out["text"] = stateNames(text.States())
	}
	if speech != nil {
		out["speech"] = stateNames(speech.States())
	}
	return out
}

// Ready reports whether requests can be served: either every provider is
// injected or an API key is available.
func (a *App) Ready(context.Context) error {
	if a.injected.Text != nil {
		return nil
	}
	if a.creds.Available() || !needsKey(a.Config().Providers.Text) {
		return nil
	}
	return credential.ErrNoCredential
}

// Shutdown stops the voice session and releases providers. It respects the
// context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		done := make(chan error, 1)
		go func() { done <- a.sessions.Stop() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded while stopping voice session")
			err = ctx.Err()
			return
		}
		a.log.Info("shutdown complete")
	})
	return err
}

// buildText constructs the guarded text provider with its fallbacks.
func (a *App) buildText(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	fcfg := fallbackConfig(cfg)
	if a.injected.Text != nil {
		a.text = resilience.NewLLMFallback(a.injected.Text, "injected", fcfg)
		return a.text, nil
	}
	entry := cfg.Providers.Text
	primary, err := a.createText(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("app: text provider %q: %w", entry.Name, err)
	}
	fb := resilience.NewLLMFallback(primary, entry.Name, fcfg)
	for _, e := range entry.Fallbacks {
		p, err := a.createText(ctx, e)
		if err != nil {
			a.log.WarnContext(ctx, "skipping text fallback", "provider", e.Name, "err", err)
			continue
		}
		fb.AddFallback(e.Name, p)
	}
	a.text = fb
	return fb, nil
}

func (a *App) createText(ctx context.Context, e config.ProviderEntry) (llm.Provider, error) {
	e, err := a.resolve(ctx, e)
	if err != nil {
		return nil, err
	}
	return a.registry.CreateText(ctx, e)
}

// buildSpeech constructs the guarded speech provider with its fallbacks.
func (a *App) buildSpeech(ctx context.Context, cfg *config.Config) (tts.Provider, error) {
	fcfg := fallbackConfig(cfg)
	if a.injected.Speech != nil {
		a.speech = resilience.NewTTSFallback(a.injected.Speech, "injected", fcfg)
		return a.speech, nil
	}
	entry := cfg.Providers.Speech
	primary, err := a.createSpeech(ctx, entry)
	if err != nil {
		a.speech = nil
		return nil, fmt.Errorf("app: speech provider %q: %w", entry.Name, err)
	}
	fb := resilience.NewTTSFallback(primary, entry.Name, fcfg)
	for _, e := range entry.Fallbacks {
		p, err := a.createSpeech(ctx, e)
		if err != nil {
			a.log.WarnContext(ctx, "skipping speech fallback", "provider", e.Name, "err", err)
			continue
		}
		fb.AddFallback(e.Name, p)
	}
	a.speech = fb
	return fb, nil
}

func (a *App) createSpeech(ctx context.Context, e config.ProviderEntry) (tts.Provider, error) {
	e, err := a.resolve(ctx, e)
	if err != nil {
		return nil, err
	}
	return a.registry.CreateSpeech(ctx, e)
}

// liveProvider returns the injected live provider or builds one.
func (a *App) liveProvider(ctx context.Context, cfg *config.Config) (live.Provider, error) {
	if a.injected.Live != nil {
		return a.injected.Live, nil
	}
	e, err := a.resolve(ctx, cfg.Providers.Live)
	if err != nil {
		return nil, err
	}
	p, err := a.registry.CreateLive(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("app: live provider %q: %w", e.Name, err)
	}
	return p, nil
}

// devices returns the injected device provider or builds one.
func (a *App) devices(cfg *config.Config) (device.Provider, error) {
	if a.injected.Devices != nil {
		return a.injected.Devices, nil
	}
	d := cfg.Voice.Device
	return device.New(device.Config{
		Backend:         d.Backend,
		InputRate:       cfg.Voice.InputRate,
		OutputRate:      cfg.Voice.OutputRate,
		FramesPerBuffer: d.FramesPerBuffer,
		InputFile:       d.InputFile,
		OutputFile:      d.OutputFile,
	})
}

// resolve fills an empty APIKey from the shared credential. Keyless local
// backends proceed without one.
func (a *App) resolve(ctx context.Context, e config.ProviderEntry) (config.ProviderEntry, error) {
	if e.APIKey != "" {
		return e, nil
	}
	key, err := a.creds.Key(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrNoCredential) && !needsKey(e) {
			return e, nil
		}
		return e, err
	}
	e.APIKey = key
	return e, nil
}

func fallbackConfig(cfg *config.Config) resilience.FallbackConfig {
	cb := cfg.Providers.CircuitBreaker
	return resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  cb.MaxFailures,
		ResetTimeout: cb.ResetTimeout,
	}}
}

func needsKey(e config.ProviderEntry) bool {
	return !slices.Contains(keylessProviders, e.Name)
}

func storyConfig(cfg *config.Config) story.Config {
	s := cfg.Story
	return story.Config{
		SearchModel:        s.SearchModel,
		Voice:              s.Voice,
		Style:              s.Style,
		Temperature:        s.Temperature,
		MaxTranscriptChars: s.MaxTranscriptChars,
	}
}

func stateNames(states map[string]resilience.State) map[string]string {
	out := make(map[string]string, len(states))
	for name, st := range states {
		out[name] = st.String()
	}
	return out
}
