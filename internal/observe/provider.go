package observe

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig describes how the process reports telemetry.
type ProviderConfig struct {
	// ServiceName defaults to "voicetutor".
	ServiceName    string
	ServiceVersion string

	// Registry backs the /metrics endpoint. Nil means a private registry.
	Registry *prometheus.Registry

	// TraceExporter receives finished spans. Nil keeps spans in-process,
	// which is enough for trace ids in logs.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the fraction of root traces recorded. Zero records
	// all of them. Spans with a sampled parent are always recorded.
	SampleRatio float64
}

func (c ProviderConfig) sampler() (sdktrace.Sampler, error) {
	switch r := c.SampleRatio; {
	case r < 0 || r > 1:
		return nil, fmt.Errorf("observe: sample ratio %v is outside [0, 1]", r)
	case r == 0 || r == 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample()), nil
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r)), nil
	}
}

// Telemetry owns the SDK providers installed by [InitProvider].
type Telemetry struct {
	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	tracer   *sdktrace.TracerProvider
}

// Handler is the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracer.Shutdown(ctx), t.meters.Shutdown(ctx))
}

// InitProvider builds the meter and tracer providers and installs them as the
// OTel globals. Meters are bridged into Prometheus; traces go to
// cfg.TraceExporter when one is set.
func InitProvider(_ context.Context, cfg ProviderConfig) (*Telemetry, error) {
	sampler, err := cfg.sampler()
	if err != nil {
		return nil, err
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cmp.Or(cfg.ServiceName, "voicetutor")),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	bridge, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.TraceExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}

	t := &Telemetry{
		registry: reg,
		meters:   sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(bridge)),
		tracer:   sdktrace.NewTracerProvider(traceOpts...),
	}
	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracer)
	return t, nil
}
