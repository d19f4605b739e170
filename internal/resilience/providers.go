package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/talescribe/pkg/provider/llm"
	"github.com/MrWong99/talescribe/pkg/provider/tts"
)

// isProviderFailure extends [IsUpstreamFailure] with the provider sentinels
// that describe the request rather than the upstream's health.
func isProviderFailure(err error) bool {
	return IsUpstreamFailure(err) &&
		!errors.Is(err, llm.ErrUnsupported) &&
		!errors.Is(err, tts.ErrEmptyAudio)
}

func providerConfig(cfg FallbackConfig) FallbackConfig {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = isProviderFailure
	}
	return cfg
}

// LLMFallback implements [llm.Provider] behind one circuit breaker per
// backend. Without fallbacks it only fails fast while its breaker is open.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, providerConfig(cfg))}
}

// AddFallback registers an additional text provider.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Generate sends req to the first healthy backend.
func (f *LLMFallback) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.Response, error) {
		return p.Generate(ctx, req)
	})
}

// Capabilities reports the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.Capabilities {
	return f.group.Primary().Capabilities()
}

// States returns the breaker state per backend.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

// TTSFallback implements [tts.Provider] behind one circuit breaker per
// backend.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, providerConfig(cfg))}
}

// AddFallback registers an additional speech provider.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	f.group.AddFallback(name, p)
}

// Synthesize speaks req with the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) (*tts.Audio, error) {
		return p.Synthesize(ctx, req)
	})
}

// ListVoices lists the primary's voices. Voice IDs are backend specific, so
// a fallback's catalogue is never substituted.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return f.group.Primary().ListVoices(ctx)
}

// States returns the breaker state per backend.
func (f *TTSFallback) States() map[string]State { return f.group.States() }
