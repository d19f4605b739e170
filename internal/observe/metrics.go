// Package observe holds talescribe's observability plumbing: OpenTelemetry
// instruments, tracing helpers, context-aware logging and the HTTP
// middleware that ties them together.
//
// Instruments are created through the OpenTelemetry Metrics API. [Init]
// bridges them to a Prometheus registry that `talescribe serve` exposes on
// the configured metrics path. Library code falls back to [DefaultMetrics];
// tests build their own with [NewMetrics] and a private meter provider.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every talescribe instrument.
const meterName = "github.com/MrWong99/talescribe"

// Provider call outcomes recorded on talescribe.provider.requests.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Metrics holds the talescribe instruments. The OTel types are safe for
// concurrent use.
type Metrics struct {
	// GenerateDuration is the latency of text generation, labelled with
	// provider and operation (narrate, analyze, search).
	GenerateDuration metric.Float64Histogram

	// TTSDuration is the latency of single-shot speech synthesis.
	TTSDuration metric.Float64Histogram

	// LiveConnectDuration is the time from dial to setup acknowledgement of
	// a duplex voice session.
	LiveConnectDuration metric.Float64Histogram

	// HTTPRequestDuration is filled by [Middleware] with method, route and
	// status.
	HTTPRequestDuration metric.Float64Histogram

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls by provider and kind.
	ProviderErrors metric.Int64Counter

	// FramesSent counts microphone frames transmitted on duplex sessions.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames not transmitted, by reason.
	FramesDropped metric.Int64Counter

	// AudioChunks counts inbound model audio chunks scheduled for playback.
	AudioChunks metric.Int64Counter

	// MalformedChunks counts inbound audio chunks that failed to decode.
	MalformedChunks metric.Int64Counter

	// Turns counts completed conversation turns.
	Turns metric.Int64Counter

	// Interruptions counts barge-ins that flushed pending playback.
	Interruptions metric.Int64Counter

	// ActiveSessions is the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	meter metric.Meter
}

// latencyBuckets (seconds) span sub-second voice setup up to long
// generations.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{meter: mp.Meter(meterName)}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.GenerateDuration, "talescribe.generate.duration", "Latency of text generation."},
		{&m.TTSDuration, "talescribe.tts.duration", "Latency of text-to-speech synthesis."},
		{&m.LiveConnectDuration, "talescribe.live.connect.duration", "Latency of establishing a duplex voice session."},
		{&m.HTTPRequestDuration, "talescribe.http.request.duration", "HTTP request latency by method, route and status."},
	}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ProviderRequests, "talescribe.provider.requests", "Provider calls by provider, kind and status."},
		{&m.ProviderErrors, "talescribe.provider.errors", "Failed provider calls by provider and kind."},
		{&m.FramesSent, "talescribe.capture.frames_sent", "Microphone frames transmitted on duplex sessions."},
		{&m.FramesDropped, "talescribe.capture.frames_dropped", "Microphone frames dropped by reason."},
		{&m.AudioChunks, "talescribe.playback.chunks", "Inbound model audio chunks scheduled for playback."},
		{&m.MalformedChunks, "talescribe.playback.malformed_chunks", "Inbound audio chunks that failed to decode."},
		{&m.Turns, "talescribe.live.turns", "Completed conversation turns."},
		{&m.Interruptions, "talescribe.live.interruptions", "Barge-ins that flushed pending playback."},
	}

	var errs []error
	for _, h := range histograms {
		var err error
		*h.dst, err = m.meter.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		errs = append(errs, err)
	}
	for _, c := range counters {
		var err error
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		errs = append(errs, err)
	}
	var err error
	m.ActiveSessions, err = m.meter.Int64UpDownCounter("talescribe.active_sessions",
		metric.WithDescription("Number of live voice sessions."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] built on the global meter
// provider at first use. It panics if the instruments cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderCall counts one provider call. A nil err counts as
// [StatusOK]; cancellation counts as [StatusCancelled] and is not an error.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, kind string, err error) {
	status := StatusOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = StatusCancelled
	default:
		status = StatusError
		m.RecordProviderError(ctx, provider, kind)
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status),
	))
}

// RecordProviderError counts a provider failure that happened outside a
// single request, such as a live session dropping mid-conversation.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordFrameDropped records one dropped microphone frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// breakerLevels maps circuit breaker state names to gauge values.
var breakerLevels = map[string]int64{"closed": 0, "half-open": 1, "open": 2}

// ObserveBreakers registers the talescribe.breaker.state gauge. On every
// collection states is called and each breaker is reported with its
// capability and provider name as 0 (closed), 1 (half-open) or 2 (open).
// Unknown state names are skipped.
func (m *Metrics) ObserveBreakers(states func() map[string]map[string]string) error {
	_, err := m.meter.Int64ObservableGauge("talescribe.breaker.state",
		metric.WithDescription("Circuit breaker state per provider: 0 closed, 1 half-open, 2 open."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for capability, byProvider := range states() {
				for provider, state := range byProvider {
					level, ok := breakerLevels[state]
					if !ok {
						continue
					}
					o.Observe(level, metric.WithAttributes(Attr("capability", capability), Attr("provider", provider)))
				}
			}
			return nil
		}),
	)
	return err
}
