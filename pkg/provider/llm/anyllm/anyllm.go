// Package anyllm serves the text capability through
// github.com/mozilla-ai/any-llm-go for backends that have no dedicated
// talescribe provider: Anthropic, Ollama, DeepSeek, Mistral, Groq, llama.cpp
// and llamafile. OpenAI and Gemini are reachable too but have native
// providers with search and schema support.
//
// any-llm-go has neither response schemas nor search grounding. Schemas are
// turned into a system instruction and the reply is trimmed to its JSON
// payload; search requests fail with [llm.ErrUnsupported].
package anyllm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/talescribe/pkg/provider/llm"
)

// backend describes one any-llm-go provider.
type backend struct {
	open func(...anyllmlib.Option) (anyllmlib.Provider, error)
	// model is used when neither the config nor the request names one.
	model string
}

var backends = map[string]backend{
	"anthropic": {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) }, model: "claude-sonnet-4-5"},
	"deepseek":  {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) }, model: "deepseek-chat"},
	"gemini":    {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) }, model: "gemini-2.5-flash"},
	"groq":      {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) }, model: "llama-3.3-70b-versatile"},
	"llamacpp":  {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) }, model: "default"},
	"llamafile": {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) }, model: "default"},
	"mistral":   {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) }, model: "mistral-large-latest"},
	"ollama":    {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) }, model: "llama3.2"},
	"openai":    {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) }, model: "gpt-4o-mini"},
}

// Backends returns the supported backend names in sorted order.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// DefaultModel returns the model used for backend when none is configured.
func DefaultModel(name string) string {
	return backends[strings.ToLower(name)].model
}

// Provider implements llm.Provider on top of one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New opens the named backend. An empty model selects [DefaultModel]. Without
// an API key option, any-llm-go falls back to the backend's usual environment
// variable, for example ANTHROPIC_API_KEY.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name = strings.ToLower(name)
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (supported: %s)", name, strings.Join(Backends(), ", "))
	}
	if model == "" {
		model = b.model
	}
	be, err := b.open(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: open %s: %w", name, err)
	}
	return &Provider{backend: be, name: name, model: model}, nil
}

// Name returns the backend name.
func (p *Provider) Name() string { return p.name }

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if req.Search {
		return nil, fmt.Errorf("anyllm: %s search grounding: %w", p.name, llm.ErrUnsupported)
	}
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s: %w", p.name, errNoChoices)
	}

	text := resp.Choices[0].Message.ContentString()
	if req.Schema != nil {
		text = jsonPayload(text)
	}
	out := &llm.Response{Text: text}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

var errNoChoices = errors.New("response has no choices")

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{}
}

func (p *Provider) buildParams(req llm.Request) (anyllmlib.CompletionParams, error) {
	system := req.SystemInstruction
	if req.Schema != nil {
		var err error
		if system, err = llm.SchemaInstruction(system, req.Schema); err != nil {
			return anyllmlib.CompletionParams{}, fmt.Errorf("anyllm: %w", err)
		}
	}

	params := anyllmlib.CompletionParams{Model: cmp.Or(req.Model, p.model)}
	if system != "" {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: system})
	}
	params.Messages = append(params.Messages, anyllmlib.Message{Role: anyllmlib.RoleUser, Content: req.Prompt})

	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params, nil
}

// jsonPayload strips prose and code fences around the outermost JSON object
// of a schema-constrained reply. Text without an object is returned as is.
func jsonPayload(s string) string {
	start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
