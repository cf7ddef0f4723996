// Package observe holds the tutor's telemetry: OpenTelemetry instruments
// exported to Prometheus, session-tagged tracing and logging, and the HTTP
// middleware that joins them.
//
// Production code records through [DefaultMetrics], which binds to the
// global meter provider installed by [InitProvider]. Tests build their own
// instance with [NewMetrics] over a private provider.
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voicetutor"

// Metrics are the tutor's instruments. Attribute keys are listed per field.
type Metrics struct {
	TurnDuration     metric.Float64Histogram // seconds from final transcript to reply
	PlaybackDuration metric.Float64Histogram // seconds spent speaking a reply

	PhaseTransitions   metric.Int64Counter // from, to
	Utterances         metric.Int64Counter // role
	DispatchRequests   metric.Int64Counter // backend, status
	BreakerTransitions metric.Int64Counter // backend, state
	CaptureRetries     metric.Int64Counter

	CaptureErrors  metric.Int64Counter // category
	DispatchErrors metric.Int64Counter // category
	PlaybackErrors metric.Int64Counter
	ArchiveDropped metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	HTTPRequestDuration metric.Float64Histogram // method, path
}

// Spoken replies run from a fraction of a second to about a minute.
var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60}

// instruments creates instruments on one meter and remembers the first
// failure so NewMetrics can read as a flat list.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) fail(name string, err error) {
	if err != nil && in.err == nil {
		in.err = fmt.Errorf("observe: instrument %s: %w", name, err)
	}
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.fail(name, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.fail(name, err)
	return g
}

func (in *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.fail(name, err)
	return h
}

// NewMetrics registers every instrument with mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		TurnDuration:     in.seconds("voicetutor.turn.duration", "Latency from finalized utterance to tutor reply.", latencyBuckets...),
		PlaybackDuration: in.seconds("voicetutor.playback.duration", "Time spent speaking a tutor reply.", latencyBuckets...),

		PhaseTransitions:   in.counter("voicetutor.phase.transitions", "Session phase transitions by source and target phase."),
		Utterances:         in.counter("voicetutor.utterances", "Conversation utterances by role."),
		DispatchRequests:   in.counter("voicetutor.dispatch.requests", "Tutor backend requests by backend and status."),
		BreakerTransitions: in.counter("voicetutor.dispatch.breaker.transitions", "Circuit breaker state changes by backend and new state."),
		CaptureRetries:     in.counter("voicetutor.capture.retries", "Capture attempts re-armed after an empty result."),

		CaptureErrors:  in.counter("voicetutor.capture.errors", "Capture errors by category."),
		DispatchErrors: in.counter("voicetutor.dispatch.errors", "Failed tutor turns by category."),
		PlaybackErrors: in.counter("voicetutor.playback.errors", "Speech output failures."),
		ArchiveDropped: in.counter("voicetutor.archive.dropped", "Utterances dropped because the archive queue was full."),

		ActiveSessions: in.gauge("voicetutor.active_sessions", "Number of connected voice sessions."),

		HTTPRequestDuration: in.seconds("voicetutor.http.request.duration", "HTTP request latency by method and route."),
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics lazily builds the process-wide instance on the global meter
// provider. Call it after [InitProvider] so the instruments are exported.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func add(ctx context.Context, c metric.Int64Counter, kv ...string) {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransition counts a phase change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	add(ctx, m.PhaseTransitions, "from", from, "to", to)
}

// RecordUtterance counts one conversation entry.
func (m *Metrics) RecordUtterance(ctx context.Context, role string) {
	add(ctx, m.Utterances, "role", role)
}

// RecordDispatchRequest counts a backend call and its outcome.
func (m *Metrics) RecordDispatchRequest(ctx context.Context, backend, status string) {
	add(ctx, m.DispatchRequests, "backend", backend, "status", status)
}

// RecordBreakerTransition counts backend's breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	add(ctx, m.BreakerTransitions, "backend", backend, "state", state)
}

func (m *Metrics) RecordCaptureError(ctx context.Context, category string) {
	add(ctx, m.CaptureErrors, "category", category)
}

func (m *Metrics) RecordDispatchError(ctx context.Context, category string) {
	add(ctx, m.DispatchErrors, "category", category)
}
