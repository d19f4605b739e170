package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInit_ServesMetrics(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	tel, err := Init(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	ctx := context.Background()
	tel.Metrics.RecordProviderCall(ctx, "gemini", "narrate", nil)
	tel.Metrics.Turns.Add(ctx, 2)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"talescribe_provider_requests",
		"talescribe_live_turns",
		`provider="gemini"`,
		"go_goroutines",
		`service_name="talescribe"`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestTelemetry_ShutdownIsRepeatable(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	tel, err := Init(context.Background(), ProviderConfig{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	// The SDK reports a second shutdown as an error; it must not panic.
	_ = tel.Shutdown(context.Background())
}
