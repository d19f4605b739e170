package anyllm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/talescribe/pkg/provider/llm"
)

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		backend   string
		model     string
		wantModel string
		wantErr   bool
	}{
		{name: "explicit model", backend: "anthropic", model: "claude-3-5-haiku-latest", wantModel: "claude-3-5-haiku-latest"},
		{name: "default model", backend: "ollama", wantModel: DefaultModel("ollama")},
		{name: "case insensitive", backend: "Mistral", wantModel: "mistral-large-latest"},
		{name: "unknown backend", backend: "telepathy", wantErr: true},
		{name: "empty backend", backend: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.backend, tt.model, anyllmlib.WithAPIKey("k"))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.model != tt.wantModel {
				t.Errorf("model = %q, want %q", p.model, tt.wantModel)
			}
			if p.Name() != strings.ToLower(tt.backend) {
				t.Errorf("Name() = %q", p.Name())
			}
		})
	}
}

func TestBackends(t *testing.T) {
	t.Parallel()

	got := Backends()
	for _, name := range []string{"anthropic", "deepseek", "groq", "llamacpp", "llamafile", "mistral", "ollama"} {
		if DefaultModel(name) == "" {
			t.Errorf("backend %q has no default model", name)
		}
		found := false
		for _, g := range got {
			found = found || g == name
		}
		if !found {
			t.Errorf("Backends() = %v, missing %q", got, name)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Fatalf("Backends() not sorted: %v", got)
		}
	}
}

func TestJSONPayload(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{in: `{"summary":"x"}`, want: `{"summary":"x"}`},
		{in: "```json\n{\"summary\":\"x\"}\n```", want: `{"summary":"x"}`},
		{in: `Here you go: {"a":{"b":1}} Enjoy!`, want: `{"a":{"b":1}}`},
		{in: "no json here", want: "no json here"},
	}
	for _, tt := range tests {
		if got := jsonPayload(tt.in); got != tt.want {
			t.Errorf("jsonPayload(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_SchemaBecomesInstruction(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	params, err := p.buildParams(llm.Request{
		Prompt:            "Analyze this",
		SystemInstruction: "You are an analyst.",
		Schema:            map[string]any{"type": "object"},
		Temperature:       0.3,
		MaxTokens:         512,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Model != "gpt-4o" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(params.Messages))
	}
	sys := params.Messages[0].ContentString()
	if !strings.HasPrefix(sys, "You are an analyst.") || !strings.Contains(sys, `{"type":"object"}`) {
		t.Errorf("system message = %q", sys)
	}
	if params.Messages[1].ContentString() != "Analyze this" {
		t.Errorf("user message = %q", params.Messages[1].ContentString())
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("Temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("MaxTokens = %v", params.MaxTokens)
	}
}

func TestBuildParams_Minimal(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3"}
	params, err := p.buildParams(llm.Request{Model: "mistral", Prompt: "hi"})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Model != "mistral" {
		t.Errorf("Model = %q, want request override", params.Model)
	}
	if len(params.Messages) != 1 {
		t.Errorf("got %d messages, want only the user prompt", len(params.Messages))
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("optional params set for zero values")
	}
}

// ── Generate ──────────────────────────────────────────────────────────────────

func TestGenerate_SearchUnsupported(t *testing.T) {
	t.Parallel()

	p := &Provider{name: "ollama", model: "llama3"}
	_, err := p.Generate(context.Background(), llm.Request{Prompt: "news?", Search: true})
	if !errors.Is(err, llm.ErrUnsupported) {
		t.Errorf("Generate = %v, want ErrUnsupported", err)
	}
	if caps := p.Capabilities(); caps.Search || caps.StructuredOutput {
		t.Errorf("Capabilities() = %+v, want none", caps)
	}
}

func TestGenerate_OpenAICompatibleBackend(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "A tale of two tides."}}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 6, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	p, err := New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-test"), anyllmlib.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Generate(context.Background(), llm.Request{Prompt: "Tell me", SystemInstruction: "Be brief."})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "A tale of two tides." {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("backend saw %d messages, want 2", len(msgs))
	}
}
