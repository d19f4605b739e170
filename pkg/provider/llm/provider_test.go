package llm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAppendSource(t *testing.T) {
	t.Parallel()

	var got []Source
	got = AppendSource(got, Source{URI: "https://a", Title: "A"})
	got = AppendSource(got, Source{URI: "https://a", Title: "dup"})
	got = AppendSource(got, Source{URI: ""})
	got = AppendSource(got, Source{URI: "https://b"})

	want := []Source{{URI: "https://a", Title: "A"}, {URI: "https://b", Title: "https://b"}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSchemaInstruction(t *testing.T) {
	t.Parallel()

	schema := map[string]any{"type": "object", "required": []string{"a"}}
	tests := []struct {
		name   string
		system string
		prefix string
	}{
		{name: "no system", system: "", prefix: "Respond with a single JSON value"},
		{name: "with system", system: "You analyse.", prefix: "You analyse.\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := SchemaInstruction(tt.system, schema)
			if err != nil {
				t.Fatalf("SchemaInstruction: %v", err)
			}
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("got %q, want prefix %q", got, tt.prefix)
			}
			raw, _ := json.Marshal(schema)
			if !strings.HasSuffix(got, string(raw)) {
				t.Errorf("schema not embedded: %q", got)
			}
		})
	}

	if _, err := SchemaInstruction("", map[string]any{"bad": make(chan int)}); err == nil {
		t.Error("expected error for unencodable schema")
	}
}
