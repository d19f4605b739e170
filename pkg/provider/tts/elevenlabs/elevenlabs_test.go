package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/talescribe/pkg/provider/tts"
)

// fakeElevenLabs serves the stream-input WebSocket and the voices endpoint.
// The stream handler reads the three client messages and answers with
// replies.
type fakeElevenLabs struct {
	srv     *httptest.Server
	replies []string

	mu       sync.Mutex
	path     string
	query    string
	received []map[string]any
}

func newFakeElevenLabs(t *testing.T, replies ...string) *fakeElevenLabs {
	t.Helper()
	f := &fakeElevenLabs{replies: replies}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeElevenLabs) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/voices" {
		if r.Header.Get("xi-api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"voices":[{"voice_id":"v1","name":"Rachel","category":"premade"},{"voice_id":"v2","name":"Custom"}]}`)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	f.mu.Lock()
	f.path, f.query = r.URL.Path, r.URL.RawQuery
	f.mu.Unlock()

	ctx := r.Context()
	for range 3 {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		f.mu.Lock()
		f.received = append(f.received, m)
		f.mu.Unlock()
	}
	for _, reply := range f.replies {
		if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (f *fakeElevenLabs) provider(t *testing.T, opts ...Option) *Provider {
	t.Helper()
	wsBase := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	p, err := New("key", append([]Option{WithBaseURLs(wsBase, f.srv.URL)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func audioMsg(pcm []byte, final bool) string {
	b, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(pcm), IsFinal: final})
	return string(b)
}

// ---- Synthesize ----

func TestSynthesize_CollectsAudio(t *testing.T) {
	t.Parallel()

	f := newFakeElevenLabs(t,
		audioMsg([]byte{1, 0, 2, 0}, false),
		`not json`,
		audioMsg([]byte{3, 0}, false),
		`{"isFinal":true}`,
	)
	p := f.provider(t, WithOutputFormat("pcm_16000"))

	got, err := p.Synthesize(context.Background(), tts.Request{Text: "Hail, traveller", Voice: "v1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(got.PCM) != string([]byte{1, 0, 2, 0, 3, 0}) {
		t.Errorf("PCM = %v", got.PCM)
	}
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("format = %d Hz x %d", got.SampleRate, got.Channels)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path != "/v1/text-to-speech/v1/stream-input" {
		t.Errorf("path = %q", f.path)
	}
	if !strings.Contains(f.query, "model_id="+defaultModel) || !strings.Contains(f.query, "output_format=pcm_16000") {
		t.Errorf("query = %q", f.query)
	}
	if len(f.received) != 3 {
		t.Fatalf("server received %d messages, want 3", len(f.received))
	}
	if f.received[0]["xi_api_key"] != "key" {
		t.Errorf("BOI = %v", f.received[0])
	}
	if f.received[1]["text"] != "Hail, traveller " {
		t.Errorf("text message = %v", f.received[1])
	}
	if f.received[2]["text"] != "" {
		t.Errorf("flush message = %v", f.received[2])
	}
}

func TestSynthesize_EndsOnNormalClose(t *testing.T) {
	t.Parallel()

	f := newFakeElevenLabs(t, audioMsg([]byte{9, 0}, false))
	got, err := f.provider(t, WithVoice("v2")).Synthesize(context.Background(), tts.Request{Text: "x"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(got.PCM) != 2 {
		t.Errorf("PCM length = %d, want 2", len(got.PCM))
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		replies []string
		req     tts.Request
		is      error
	}{
		{name: "no audio", replies: []string{`{"isFinal":true}`}, req: tts.Request{Text: "x", Voice: "v1"}, is: tts.ErrEmptyAudio},
		{name: "server error", replies: []string{`{"error":"quota_exceeded","message":"no credits"}`}, req: tts.Request{Text: "x", Voice: "v1"}},
		{name: "no voice", req: tts.Request{Text: "x"}},
		{name: "no text", req: tts.Request{Voice: "v1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeElevenLabs(t, tt.replies...)
			_, err := f.provider(t).Synthesize(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("error = %v, want %v", err, tt.is)
			}
		})
	}
}

// ---- ListVoices ----

func TestListVoices(t *testing.T) {
	t.Parallel()

	f := newFakeElevenLabs(t)
	voices, err := f.provider(t).ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	want := []tts.Voice{{ID: "v1", Name: "Rachel (premade)"}, {ID: "v2", Name: "Custom"}}
	if len(voices) != len(want) {
		t.Fatalf("got %v, want %v", voices, want)
	}
	for i := range want {
		if voices[i] != want[i] {
			t.Errorf("[%d] = %+v, want %+v", i, voices[i], want[i])
		}
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	t.Parallel()
	if _, err := parseVoicesResponse([]byte(`{bad`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

// ---- Constructor tests ----

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}

	p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_22050"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" || p.outputFormat != "pcm_22050" {
		t.Errorf("options not applied: model=%q format=%q", p.model, p.outputFormat)
	}
	if got := p.buildURLForVoice("abc", "m"); got != "wss://api.elevenlabs.io/v1/text-to-speech/abc/stream-input?model_id=m&output_format=pcm_22050" {
		t.Errorf("buildURLForVoice = %q", got)
	}
}
