package main

import (
	"context"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/talescribe/internal/config"
	"github.com/MrWong99/talescribe/pkg/provider/live"
	geminilive "github.com/MrWong99/talescribe/pkg/provider/live/gemini"
	"github.com/MrWong99/talescribe/pkg/provider/llm"
	"github.com/MrWong99/talescribe/pkg/provider/llm/anyllm"
	geminillm "github.com/MrWong99/talescribe/pkg/provider/llm/gemini"
	openaillm "github.com/MrWong99/talescribe/pkg/provider/llm/openai"
	"github.com/MrWong99/talescribe/pkg/provider/tts"
	"github.com/MrWong99/talescribe/pkg/provider/tts/elevenlabs"
	geminitts "github.com/MrWong99/talescribe/pkg/provider/tts/gemini"
	openaitts "github.com/MrWong99/talescribe/pkg/provider/tts/openai"
)

// anyllmBackends are the text backends served through any-llm-go. They share
// the same pattern: optional APIKey + optional BaseURL.
var anyllmBackends = []string{
	"anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, log *slog.Logger) {
	// ── Text ──────────────────────────────────────────────────────────────────

	reg.RegisterText("gemini", func(ctx context.Context, entry config.ProviderEntry) (llm.Provider, error) {
		var opts []geminillm.Option
		if entry.Model != "" {
			opts = append(opts, geminillm.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminillm.WithBaseURL(entry.BaseURL))
		}
		return geminillm.New(ctx, entry.APIKey, opts...)
	})

	reg.RegisterText("openai", func(_ context.Context, entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, openaillm.WithOrganization(org))
		}
		return openaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range anyllmBackends {
		reg.RegisterText(name, func(_ context.Context, entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── Speech ────────────────────────────────────────────────────────────────

	reg.RegisterSpeech("gemini", func(ctx context.Context, entry config.ProviderEntry) (tts.Provider, error) {
		var opts []geminitts.Option
		if entry.Model != "" {
			opts = append(opts, geminitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminitts.WithBaseURL(entry.BaseURL))
		}
		if voice := config.OptString(entry.Options, "voice"); voice != "" {
			opts = append(opts, geminitts.WithVoice(voice))
		}
		return geminitts.New(ctx, entry.APIKey, opts...)
	})

	reg.RegisterSpeech("openai", func(_ context.Context, entry config.ProviderEntry) (tts.Provider, error) {
		var opts []openaitts.Option
		if entry.Model != "" {
			opts = append(opts, openaitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openaitts.WithBaseURL(entry.BaseURL))
		}
		if voice := config.OptString(entry.Options, "voice"); voice != "" {
			opts = append(opts, openaitts.WithVoice(voice))
		}
		return openaitts.New(entry.APIKey, opts...)
	})

	reg.RegisterSpeech("elevenlabs", func(_ context.Context, entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := config.OptString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := config.OptString(entry.Options, "voice_id"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini", func(_ context.Context, entry config.ProviderEntry) (live.Provider, error) {
		opts := []geminilive.Option{geminilive.WithLogger(log)}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	for _, kind := range []string{"text", "speech", "live"} {
		log.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}
