// Package llm defines the Provider interface for text generation backends.
//
// A text provider wraps a hosted model API (Gemini via google.golang.org/genai,
// OpenAI, or any backend reachable through any-llm-go) and exposes one
// request/response call that covers the three ways talescribe uses text
// models: free-form narration, schema-constrained JSON analysis, and
// search-grounded answers with cited sources.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupported is returned when a request asks for a capability the backend
// does not offer, such as web search grounding.
var ErrUnsupported = errors.New("llm: capability not supported by provider")

// Request carries everything needed for one generation.
type Request struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Prompt is the user content.
	Prompt string

	// SystemInstruction is an optional high-priority instruction.
	SystemInstruction string

	// Schema, if set, asks for a JSON response conforming to this JSON
	// Schema (object/array/string/number/integer/boolean, properties, items,
	// required, description). The response text is then the raw JSON.
	Schema map[string]any

	// Search enables web search grounding. Providers without search return
	// an error wrapping [ErrUnsupported].
	Search bool

	// Temperature controls randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the generated tokens. Zero means provider default.
	MaxTokens int
}

// Source is one web page that grounded a search answer.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Usage holds token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the result of a generation.
type Response struct {
	// Text is the full generated text (raw JSON when Request.Schema is set).
	Text string

	// Sources lists grounding pages in the order the backend reported them,
	// de-duplicated by URI. Empty unless Request.Search was set.
	Sources []Source

	// Usage is zero when the backend does not report it.
	Usage Usage
}

// Capabilities describes what a provider can do.
type Capabilities struct {
	// StructuredOutput reports native JSON schema enforcement. Without it the
	// schema is passed as an instruction and the caller must tolerate
	// non-conforming output.
	StructuredOutput bool

	// Search reports web search grounding support.
	Search bool
}

// Provider is the abstraction over any text generation backend.
type Provider interface {
	// Generate sends req and waits for the full response. It returns promptly
	// with ctx's error when ctx is cancelled.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Capabilities returns static metadata about the backend.
	Capabilities() Capabilities
}

// AppendSource adds s to sources unless its URI is empty or already present.
func AppendSource(sources []Source, s Source) []Source {
	if s.URI == "" {
		return sources
	}
	for _, have := range sources {
		if have.URI == s.URI {
			return sources
		}
	}
	if s.Title == "" {
		s.Title = s.URI
	}
	return append(sources, s)
}

// SchemaInstruction appends a JSON-only instruction describing schema to
// system, for backends that cannot enforce a response schema natively.
func SchemaInstruction(system string, schema map[string]any) (string, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("llm: encode schema: %w", err)
	}
	instr := "Respond with a single JSON value only, no prose and no code fences, conforming to this JSON Schema:\n" + string(raw)
	if system == "" {
		return instr, nil
	}
	return system + "\n\n" + instr, nil
}
