// Package gemini provides a text generation provider backed by the Gemini API
// through google.golang.org/genai. It supports native JSON schema enforcement
// and Google Search grounding.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/talescribe/pkg/provider/llm"
)

// DefaultModel is used when neither the provider nor the request names one.
const DefaultModel = "gemini-2.5-flash"

// Provider implements llm.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

type config struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the API endpoint. Used for tests and proxies.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Gemini text Provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client, model: cfg.model}, nil
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = convSchema(req.Schema)
	}
	if req.Search {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if req.Temperature != 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: no candidates in response")
	}

	cand := resp.Candidates[0]
	var sb strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part != nil && !part.Thought {
				sb.WriteString(part.Text)
			}
		}
	}
	out := &llm.Response{Text: sb.String()}
	if gm := cand.GroundingMetadata; gm != nil {
		for _, ch := range gm.GroundingChunks {
			if ch == nil || ch.Web == nil {
				continue
			}
			out.Sources = llm.AppendSource(out.Sources, llm.Source{URI: ch.Web.URI, Title: ch.Web.Title})
		}
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{StructuredOutput: true, Search: true}
}

// convSchema converts a JSON Schema document into the Gemini schema subset.
// Unknown keywords are ignored.
func convSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if f, ok := m["format"].(string); ok {
		s.Format = f
	}
	switch m["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	}
	if props, ok := m["properties"].(map[string]any); ok && len(props) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for k, v := range props {
			if pm, ok := v.(map[string]any); ok {
				s.Properties[k] = convSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = convSchema(items)
	}
	s.Required = stringList(m["required"])
	s.Enum = stringList(m["enum"])
	return s
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}
