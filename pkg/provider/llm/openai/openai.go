// Package openai provides the text capability on the OpenAI chat completions
// API or any compatible endpoint. Analysis schemas are sent as structured
// outputs. Chat completions offer no search grounding, so search requests
// fail with [llm.ErrUnsupported].
package openai

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/talescribe/pkg/provider/llm"
)

// DefaultModel is used when neither New nor the request names a model.
const DefaultModel = "gpt-4o-mini"

// schemaName labels structured output requests.
const schemaName = "talescribe_response"

var (
	// ErrRefused is returned when the model declines to answer.
	ErrRefused = errors.New("openai: model refused the request")

	// ErrTruncated is returned when a structured reply hit the token limit
	// and therefore cannot be valid JSON.
	ErrTruncated = errors.New("openai: structured reply truncated at token limit")
)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// Option adds a request option to the underlying client.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithBaseURL(url)) }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithOrganization(org)) }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithHTTPClient(hc)) }
}

// WithMaxRetries lets the client retry transient failures. Clients built by
// [New] never retry unless this option is given.
func WithMaxRetries(n int) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithMaxRetries(n)) }
}

// New constructs an OpenAI text provider. An empty model selects
// [DefaultModel]. Each Generate call issues exactly one HTTP request.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: cmp.Or(model, DefaultModel)}, nil
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if req.Search {
		return nil, fmt.Errorf("openai: search grounding: %w", llm.ErrUnsupported)
	}

	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%w: %s", ErrRefused, choice.Message.Refusal)
	}
	if req.Schema != nil && choice.FinishReason == "length" {
		return nil, ErrTruncated
	}
	return &llm.Response{
		Text: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{StructuredOutput: true}
}

func (p *Provider) buildParams(req llm.Request) oai.ChatCompletionNewParams {
	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(cmp.Or(req.Model, p.model))}
	if req.SystemInstruction != "" {
		params.Messages = append(params.Messages, oai.SystemMessage(req.SystemInstruction))
	}
	params.Messages = append(params.Messages, oai.UserMessage(req.Prompt))

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.Schema != nil {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schemaName,
					Schema: req.Schema,
				},
			},
		}
	}
	return params
}
