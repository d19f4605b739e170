package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/talescribe/pkg/provider/tts"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "audio/pcm")
		_, _ = w.Write([]byte{1, 0, 2, 0, 3})
	}))
	defer srv.Close()

	p, err := New("sk-test", WithBaseURL(srv.URL), WithVoice("nova"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Synthesize(context.Background(), tts.Request{Text: "Good evening"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(got.PCM) != 4 {
		t.Errorf("PCM length = %d, want 4 (odd trailing byte dropped)", len(got.PCM))
	}
	if got.SampleRate != 24000 || got.Channels != 1 {
		t.Errorf("format = %d Hz x %d", got.SampleRate, got.Channels)
	}
	if body["voice"] != "nova" || body["response_format"] != "pcm" || body["input"] != "Good evening" {
		t.Errorf("request body = %v", body)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/pcm")
	}))
	defer empty.Close()

	p, _ := New("sk-test", WithBaseURL(empty.URL))
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "x"}); !errors.Is(err, tts.ErrEmptyAudio) {
		t.Errorf("Synthesize = %v, want ErrEmptyAudio", err)
	}
	if _, err := p.Synthesize(context.Background(), tts.Request{}); err == nil {
		t.Error("expected validation error for empty text")
	}
}

func TestSynthesize_DoesNotRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := New("sk-test", WithBaseURL(srv.URL))
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "Good evening"}); err == nil {
		t.Fatal("expected error from failing server")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}
