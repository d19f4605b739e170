package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/talescribe/internal/app"
	"github.com/MrWong99/talescribe/internal/config"
	"github.com/MrWong99/talescribe/internal/credential"
	"github.com/MrWong99/talescribe/internal/resilience"
	"github.com/MrWong99/talescribe/internal/story"
	"github.com/MrWong99/talescribe/internal/transcript"
	"github.com/MrWong99/talescribe/internal/voice"
	"github.com/MrWong99/talescribe/pkg/audio/device"
	"github.com/MrWong99/talescribe/pkg/provider/live"
	livemock "github.com/MrWong99/talescribe/pkg/provider/live/mock"
	"github.com/MrWong99/talescribe/pkg/provider/llm"
	llmmock "github.com/MrWong99/talescribe/pkg/provider/llm/mock"
	"github.com/MrWong99/talescribe/pkg/provider/tts"
	ttsmock "github.com/MrWong99/talescribe/pkg/provider/tts/mock"
)

type fixture struct {
	app    *app.App
	srv    *Server
	text   *llmmock.Provider
	speech *ttsmock.Provider
	live   *livemock.Provider
}

func newFixture(t *testing.T, injectText bool) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Voice.Device.Backend = "null"
	f := &fixture{
		text:   &llmmock.Provider{Response: &llm.Response{Text: "Once upon a time."}},
		speech: &ttsmock.Provider{},
		live:   &livemock.Provider{},
	}
	providers := app.Providers{Speech: f.speech, Live: f.live}
	if injectText {
		providers.Text = f.text
	}
	creds := credential.NewManager(credential.NewStore("", ""), nil, slog.Default())
	a, err := app.New(cfg, config.NewRegistry(), creds, app.WithProviders(providers))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	f.app = a
	f.srv = New(a, WithPollInterval(10*time.Millisecond))
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path string, body any) *http.Request {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func uploadRequest(t *testing.T, path, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = io.WriteString(fw, content)
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

const srt = "1\n00:00:01,000 --> 00:00:04,000\nThe dragon woke.\n\n2\n00:01:02,500 --> 00:01:05,000\nThe village fled.\n"

// ─── status & key ────────────────────────────────────────────────────────────

func TestStatus_AndKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	var st statusResponse
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Ready || st.Error == "" {
		t.Errorf("status without key = %+v, want not ready", st)
	}
	if st.Providers["text"] != "gemini" || st.Session != "idle" {
		t.Errorf("status = %+v", st)
	}

	if rec := f.do(t, jsonRequest(http.MethodPost, "/api/key", keyRequest{})); rec.Code != http.StatusBadRequest {
		t.Errorf("empty key status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, jsonRequest(http.MethodPost, "/api/key", keyRequest{APIKey: "AIza-test"})); rec.Code != http.StatusNoContent {
		t.Fatalf("set key status = %d, want 204", rec.Code)
	}
	if key, src := f.app.Credentials().Store().Key(); key != "AIza-test" || src != "web" {
		t.Errorf("store = %q (%s)", key, src)
	}

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	st = statusResponse{}
	_ = json.NewDecoder(rec.Body).Decode(&st)
	if !st.Ready || st.CredentialSource != "web" {
		t.Errorf("status with key = %+v", st)
	}
}

func TestStory_NoCredentialIsUnauthorized(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	rec := f.do(t, uploadRequest(t, "/api/story", "s.txt", "The dragon woke.", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if msg := decodeError(t, rec); !strings.Contains(msg, "API key") {
		t.Errorf("error = %q", msg)
	}
}

// ─── story operations ────────────────────────────────────────────────────────

func TestStory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, uploadRequest(t, "/api/story", "session.srt", srt, map[string]string{"style": "noir"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["story"] != "Once upon a time." {
		t.Errorf("story = %q", body["story"])
	}
	calls := f.text.GenerateCalls
	if len(calls) != 1 {
		t.Fatalf("Generate called %d times", len(calls))
	}
	if p := calls[0].Req.Prompt; !strings.Contains(p, "noir") || !strings.Contains(p, "[00:01:02] The village fled.") {
		t.Errorf("prompt = %q", p)
	}
}

func TestUploadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		filename string
		content  string
		fields   map[string]string
		want     int
		wantMsg  string
	}{
		{name: "wrong extension", path: "/api/story", filename: "notes.pdf", content: "x", want: http.StatusBadRequest, wantMsg: "Please upload a .srt or .txt file."},
		{name: "missing file", path: "/api/story", want: http.StatusBadRequest},
		{name: "empty transcript", path: "/api/story", filename: "a.txt", content: "  \n", want: http.StatusBadRequest},
		{name: "analyze without query", path: "/api/analyze", filename: "a.txt", content: "hello", want: http.StatusBadRequest},
		{name: "too large", path: "/api/story", filename: "a.txt", content: strings.Repeat("x", transcript.MaxSize+1), want: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, true)
			rec := f.do(t, uploadRequest(t, tt.path, tt.filename, tt.content, tt.fields))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
			if msg := decodeError(t, rec); tt.wantMsg != "" && msg != tt.wantMsg {
				t.Errorf("error = %q, want %q", msg, tt.wantMsg)
			}
			if n := len(f.text.GenerateCalls); n != 0 {
				t.Errorf("Generate called %d times for a rejected request", n)
			}
		})
	}
}

func TestAnalyze(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.text.Response = &llm.Response{Text: `{"analysisText":"The dragon wakes first.","timeframes":[{"startTime":"00:00:01","endTime":"00:00:04","description":"waking"}]}`}

	rec := f.do(t, uploadRequest(t, "/api/analyze", "session.srt", srt, map[string]string{"query": "Who acts first?"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var a story.Analysis
	_ = json.NewDecoder(rec.Body).Decode(&a)
	if a.AnalysisText != "The dragon wakes first." || len(a.Timeframes) != 1 || a.Timeframes[0].StartTime != "00:00:01" {
		t.Errorf("analysis = %+v", a)
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   any
		resp   *llm.Response
		err    error
		want   int
		source string
	}{
		{
			name:   "grounded answer",
			body:   searchRequest{Prompt: "Who won the match?"},
			resp:   &llm.Response{Text: "The home team.", Sources: []llm.Source{{URI: "https://example.com/a", Title: "Report"}}},
			want:   http.StatusOK,
			source: "https://example.com/a",
		},
		{name: "empty prompt", body: searchRequest{}, want: http.StatusBadRequest},
		{name: "unknown field", body: map[string]string{"query": "x"}, want: http.StatusBadRequest},
		{name: "unsupported backend", body: searchRequest{Prompt: "x"}, err: fmt.Errorf("anyllm: %w", llm.ErrUnsupported), want: http.StatusNotImplemented},
		{name: "upstream failure", body: searchRequest{Prompt: "x"}, err: errors.New("500 internal"), want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, true)
			f.text.Response, f.text.Err = tt.resp, tt.err

			rec := f.do(t, jsonRequest(http.MethodPost, "/api/search", tt.body))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
			if tt.source == "" {
				return
			}
			var res story.SearchResult
			_ = json.NewDecoder(rec.Body).Decode(&res)
			if len(res.Sources) != 1 || res.Sources[0].URI != tt.source {
				t.Errorf("sources = %+v", res.Sources)
			}
			if !f.text.GenerateCalls[0].Req.Search {
				t.Error("search tool not requested")
			}
		})
	}
}

func TestSpeak(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.speech.Audio = &tts.Audio{PCM: make([]byte, 4800), SampleRate: 24000, Channels: 1}

	rec := f.do(t, jsonRequest(http.MethodPost, "/api/speak", speakRequest{Text: "Hail, traveller.", Voice: "Puck"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}
	if d := rec.Header().Get("X-Audio-Duration-Ms"); d != "100" {
		t.Errorf("duration header = %q, want 100", d)
	}
	dec := wav.NewDecoder(bytes.NewReader(rec.Body.Bytes()))
	if !dec.IsValidFile() {
		t.Fatal("response is not a valid WAV file")
	}
	if dec.SampleRate != 24000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Errorf("wav format = %d Hz, %d ch, %d bit", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if calls := f.speech.Calls(); len(calls) != 1 || calls[0].Req.Voice != "Puck" {
		t.Errorf("synthesize calls = %+v", calls)
	}
}

func TestVoices(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.speech.Voices = []tts.Voice{{ID: "Kore", Name: "Kore"}}

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/voices", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var voices []tts.Voice
	_ = json.NewDecoder(rec.Body).Decode(&voices)
	if len(voices) != 1 || voices[0].ID != "Kore" {
		t.Errorf("voices = %+v", voices)
	}
}

// ─── voice session ───────────────────────────────────────────────────────────

func TestSession_Lifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/session", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body)
	}
	var info app.SessionInfo
	_ = json.NewDecoder(rec.Body).Decode(&info)
	if info.SessionID == "" {
		t.Error("start returned no session id")
	}

	if rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/session", nil)); rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", rec.Code)
	}

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	var st app.SessionStatus
	_ = json.NewDecoder(rec.Body).Decode(&st)
	if st.Phase != voice.PhaseActive || st.Info.SessionID != info.SessionID {
		t.Errorf("session status = %+v", st)
	}

	if rec := f.do(t, httptest.NewRequest(http.MethodDelete, "/api/session", nil)); rec.Code != http.StatusNoContent {
		t.Errorf("stop status = %d, want 204", rec.Code)
	}
	if f.app.Sessions().IsActive() {
		t.Error("session still active after DELETE")
	}
}

func TestSession_ConnectFailureIsBadGateway(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.live.ConnectErr = fmt.Errorf("%w: handshake refused", live.ErrConnection)

	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/session", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestSessionEvents_StreamsSnapshots(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/session/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := make(chan app.SessionStatus, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 64<<10), 1<<20)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var st app.SessionStatus
			if json.Unmarshal([]byte(data), &st) == nil {
				events <- st
			}
		}
	}()

	next := func() app.SessionStatus {
		t.Helper()
		select {
		case st := <-events:
			return st
		case <-ctx.Done():
			t.Fatal("timed out waiting for a session event")
			return app.SessionStatus{}
		}
	}
	if st := next(); st.Phase != voice.PhaseIdle {
		t.Errorf("first event phase = %v, want idle", st.Phase)
	}
	if _, err := f.app.Sessions().Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for st := next(); st.Phase != voice.PhaseActive; st = next() {
	}
}

// ─── misc ────────────────────────────────────────────────────────────────────

func TestIndex_ServesUI(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<title>talescribe</title>") {
		t.Error("index page not served")
	}
}

func TestWithHandler_MountsExtraRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	srv := New(f.app, WithHandler("GET /metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "talescribe_turns_total 0\n")
	})))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "talescribe_turns_total") {
		t.Errorf("metrics route body = %q", rec.Body)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", story.ErrInvalidInput), http.StatusBadRequest},
		{transcript.ErrUnsupportedFile, http.StatusBadRequest},
		{transcript.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{credential.ErrNoCredential, http.StatusUnauthorized},
		{fmt.Errorf("%w (active)", voice.ErrSessionActive), http.StatusConflict},
		{llm.ErrUnsupported, http.StatusNotImplemented},
		{fmt.Errorf("voice: start session: open microphone: %w", device.ErrDevice), http.StatusServiceUnavailable},
		{fmt.Errorf("story: narrate: %w: %w", story.ErrUpstream, errors.New("503")), http.StatusBadGateway},
		{fmt.Errorf("voice: start session: connect: %w", live.ErrConnection), http.StatusBadGateway},
		{resilience.ErrCircuitOpen, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
