package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/talescribe/internal/app"
	"github.com/MrWong99/talescribe/internal/credential"
	"github.com/MrWong99/talescribe/internal/voice"
	livemock "github.com/MrWong99/talescribe/pkg/provider/live/mock"
)

func waitIdle(t *testing.T, sm *app.SessionManager) {
	t.Helper()
	select {
	case <-sm.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not released")
	}
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()

	lp := &livemock.Provider{}
	a := newTestApp(t, testConfig(), newStubRegistry(), "", app.WithProviders(app.Providers{Live: lp}))
	sm := a.Sessions()

	info, err := sm.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.SessionID == "" || info.StartedAt.IsZero() {
		t.Errorf("info = %+v, want session id and start time", info)
	}
	if info.Provider != "gemini" || info.Voice != "Zephyr" || info.Backend != "null" {
		t.Errorf("info = %+v", info)
	}
	if !sm.IsActive() {
		t.Error("IsActive() = false after Start")
	}

	calls := lp.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect called %d times, want 1", len(calls))
	}
	if c := calls[0].Cfg; c.Voice != "Zephyr" || c.Instructions != "You are a wise old storyteller." || c.InputRate != 16000 || !c.Transcribe {
		t.Errorf("live config = %+v", c)
	}

	if _, err := sm.Start(context.Background()); !errors.Is(err, voice.ErrSessionActive) {
		t.Errorf("second Start error = %v, want ErrSessionActive", err)
	}

	if err := sm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitIdle(t, sm)
	if sm.IsActive() {
		t.Error("IsActive() = true after Stop")
	}
	st := sm.Status()
	if st.Phase != voice.PhaseIdle || st.Info.SessionID != info.SessionID {
		t.Errorf("Status after stop = %+v", st)
	}
	if err := sm.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestSessionManager_RestartUsesNewSession(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), newStubRegistry(), "", app.WithProviders(app.Providers{Live: &livemock.Provider{}}))
	sm := a.Sessions()

	first, err := sm.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = sm.Stop()
	waitIdle(t, sm)

	second, err := sm.Start(context.Background())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Error("restart reused the session id")
	}
	_ = sm.Stop()
}

func TestSessionManager_StartErrors(t *testing.T) {
	t.Parallel()

	connErr := errors.New("handshake refused")
	tests := []struct {
		name      string
		providers app.Providers
		backend   string
		key       string
		is        error
	}{
		{name: "connect fails", providers: app.Providers{Live: &livemock.Provider{ConnectErr: connErr}}, backend: "null", is: connErr},
		{name: "no credential", backend: "null", is: credential.ErrNoCredential},
		{name: "unregistered live provider", backend: "null", key: "k"},
		{name: "bad backend", providers: app.Providers{Live: &livemock.Provider{}}, backend: "alsa"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Voice.Device.Backend = tt.backend
			a := newTestApp(t, cfg, newStubRegistry(), tt.key, app.WithProviders(tt.providers))
			sm := a.Sessions()

			_, err := sm.Start(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("error = %v, want %v", err, tt.is)
			}
			if sm.IsActive() {
				t.Error("IsActive() = true after failed start")
			}
		})
	}
}

func TestSessionManager_StatusWithoutSession(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(), newStubRegistry(), "")
	sm := a.Sessions()
	st := sm.Status()
	if st.Phase != voice.PhaseIdle || st.Messages == nil || len(st.Messages) != 0 {
		t.Errorf("Status = %+v", st)
	}
	select {
	case <-sm.Done():
	default:
		t.Error("Done() not closed without a session")
	}
}

func TestSessionManager_ShutdownStopsSession(t *testing.T) {
	t.Parallel()

	sess := livemock.NewSession()
	a := newTestApp(t, testConfig(), newStubRegistry(), "", app.WithProviders(app.Providers{Live: &livemock.Provider{Session: sess}}))
	if _, err := a.Sessions().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if sess.Closes() == 0 {
		t.Error("live session not closed on shutdown")
	}
}
