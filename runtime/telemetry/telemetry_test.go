package telemetry

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false}, "dev")
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if p.Enabled() {
		t.Error("disabled config should not install a provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown of disabled provider = %v", err)
	}
}

func TestNewProvider_Enabled(t *testing.T) {
	// The gRPC exporter connects lazily, so no collector is needed here.
	p, err := NewProvider(context.Background(), Config{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4317",
		ServiceName: "flowgate",
		SampleRatio: 1,
	}, "dev")
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if !p.Enabled() {
		t.Fatal("expected an installed provider")
	}
	if otel.GetTracerProvider() != p.tp {
		t.Error("provider was not installed globally")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}

func TestInstall_RecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	p, err := Install(Config{ServiceName: "flowgate-test", SampleRatio: 1}, "1.2.3", sdktrace.WithSpanProcessor(rec))
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := p.tp.Tracer("test").Start(context.Background(), "outer")
	carrier := propagation.HeaderCarrier(http.Header{})
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()

	if carrier.Get("traceparent") == "" {
		t.Error("trace context propagator not installed")
	}

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "outer" {
		t.Fatalf("ended spans = %v", ended)
	}
	attrs := map[string]string{}
	for _, kv := range ended[0].Resource().Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["service.name"] != "flowgate-test" || attrs["service.version"] != "1.2.3" {
		t.Errorf("resource = %v", attrs)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1, "ParentBased{root:AlwaysOnSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		got := sampler(tt.ratio).Description()
		if !strings.HasPrefix(got, tt.want) {
			t.Errorf("sampler(%v) = %q, want prefix %q", tt.ratio, got, tt.want)
		}
	}
}
