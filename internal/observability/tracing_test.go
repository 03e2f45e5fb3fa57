package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/signalsfoundry/sourcenet-core/internal/logging"
)

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "sourcenet-test",
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() {
		_, _ = InitTracing(context.Background(), TracingConfig{}, nil)
	})

	ctx := logging.ContextWithOperationID(context.Background(), "op-42")
	_, span := StartSpan(ctx, "registry.LoadSnapshot", "network", "corp-1")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"registry.LoadSnapshot", "corp-1", "op-42", "sourcenet-test"} {
		if !strings.Contains(out, want) {
			t.Fatalf("exported span missing %q:\n%s", want, out)
		}
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := StartSpan(context.Background(), "noop", "", "")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled tracing produced a recording span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("SOURCENET_TRACING_ENABLED", "TRUE")
	t.Setenv("SOURCENET_TRACING_EXPORTER", "OTLP")
	t.Setenv("SOURCENET_TRACING_SAMPLE_RATIO", "2.5")
	t.Setenv("SOURCENET_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SampleRatio != 1 {
		t.Fatalf("out-of-range ratio = %v, want default 1", cfg.SampleRatio)
	}
	if cfg.ServiceName != "sourcenet" {
		t.Fatalf("service name = %q, want default", cfg.ServiceName)
	}
}
