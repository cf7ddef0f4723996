package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// initTelemetry installs fresh providers and restores the old globals after t.
func initTelemetry(t *testing.T, cfg ProviderConfig) *Telemetry {
	t.Helper()
	mp, tp := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
	})
	tel, err := InitProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func TestInitProvider_ScrapeShowsTutorMetrics(t *testing.T) {
	tel := initTelemetry(t, ProviderConfig{ServiceVersion: "test"})

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.CaptureRetries.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "voicetutor_capture_retries") {
		t.Errorf("scrape output missing capture retries counter:\n%s", body)
	}
}

func TestInitProvider_ExportsSpansOnShutdown(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tel := initTelemetry(t, ProviderConfig{TraceExporter: exp})

	_, span := otel.Tracer("test").Start(context.Background(), "turn")
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := exp.GetSpans(); len(got) != 1 || got[0].Name != "turn" {
		t.Errorf("exported spans = %v, want one named turn", got)
	}
}

func TestProviderConfig_Sampler(t *testing.T) {
	tests := []struct {
		ratio   float64
		wantErr bool
		wantIn  string
	}{
		{ratio: 0, wantIn: "AlwaysOnSampler"},
		{ratio: 1, wantIn: "AlwaysOnSampler"},
		{ratio: 0.25, wantIn: "TraceIDRatioBased{0.25}"},
		{ratio: -0.1, wantErr: true},
		{ratio: 1.5, wantErr: true},
	}
	for _, tt := range tests {
		s, err := ProviderConfig{SampleRatio: tt.ratio}.sampler()
		if (err != nil) != tt.wantErr {
			t.Errorf("ratio %v: err = %v, wantErr %v", tt.ratio, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if d := s.Description(); !strings.HasPrefix(d, "ParentBased{") || !strings.Contains(d, tt.wantIn) {
			t.Errorf("ratio %v: sampler = %s, want parent based %s", tt.ratio, d, tt.wantIn)
		}
	}
}

func TestInitProvider_RejectsBadRatio(t *testing.T) {
	if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: 2}); err == nil {
		t.Fatal("expected an error for ratio 2")
	}
}
