package telemetry

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/iam-access-core/internal/infra/config"
)

func TestTracerProviderWithoutExporter(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), config.TelemetrySettings{SamplingRate: 1}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewTracerProvider returned error: %v", err)
	}

	_, span := tp.Tracer(TracerName).Start(context.Background(), "authorize")
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a sampled span with a valid context")
	}
	span.End()

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
}
