package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/talescribe/pkg/provider/live"
	"github.com/MrWong99/talescribe/pkg/provider/llm"
	"github.com/MrWong99/talescribe/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory constructs a provider from its configuration entry. The entry's
// APIKey has already been resolved against the shared credential.
type Factory[T any] func(ctx context.Context, entry ProviderEntry) (T, error)

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	text   map[string]Factory[llm.Provider]
	speech map[string]Factory[tts.Provider]
	live   map[string]Factory[live.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		text:   make(map[string]Factory[llm.Provider]),
		speech: make(map[string]Factory[tts.Provider]),
		live:   make(map[string]Factory[live.Provider]),
	}
}

// RegisterText registers a text generation provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterText(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text[name] = factory
}

// RegisterSpeech registers a TTS provider factory under name.
func (r *Registry) RegisterSpeech(name string, factory Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// RegisterLive registers a live session provider factory under name.
func (r *Registry) RegisterLive(name string, factory Factory[live.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// CreateText instantiates the text provider named by entry.Name.
// Returns [ErrProviderNotRegistered] if no factory is registered for that name.
func (r *Registry) CreateText(ctx context.Context, entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, ok := r.text[entry.Name]
	r.mu.RUnlock()
	return create(ctx, "text", f, ok, entry)
}

// CreateSpeech instantiates the TTS provider named by entry.Name.
func (r *Registry) CreateSpeech(ctx context.Context, entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	f, ok := r.speech[entry.Name]
	r.mu.RUnlock()
	return create(ctx, "speech", f, ok, entry)
}

// CreateLive instantiates the live session provider named by entry.Name.
func (r *Registry) CreateLive(ctx context.Context, entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	f, ok := r.live[entry.Name]
	r.mu.RUnlock()
	return create(ctx, "live", f, ok, entry)
}

// Names returns the sorted provider names registered for kind ("text",
// "speech" or "live").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "text":
		names = keys(r.text)
	case "speech":
		names = keys(r.speech)
	case "live":
		names = keys(r.live)
	}
	slices.Sort(names)
	return names
}

func create[T any](ctx context.Context, kind string, f Factory[T], ok bool, entry ProviderEntry) (T, error) {
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s provider %q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return f(ctx, entry)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
