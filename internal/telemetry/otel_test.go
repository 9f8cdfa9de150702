package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/ShayCichocki/switchboard/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	rt, err := Setup(context.Background(), config.TelemetryConfig{}, "switchboard-test", "dev", nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if rt.Tracer == nil {
		t.Fatal("expected non-nil tracer")
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetup_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.TelemetryConfig{Enabled: true, Exporter: "stdout"}

	rt, err := Setup(context.Background(), cfg, "switchboard-test", "dev", &buf)
	if err != nil {
		t.Fatalf("setup otel: %v", err)
	}

	_, span := rt.Tracer.Start(context.Background(), "request")
	span.End()

	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown otel: %v", err)
	}
	if !strings.Contains(buf.String(), `"Name": "request"`) {
		t.Errorf("span not exported: %q", buf.String())
	}
}

func TestSetup_UnknownExporter(t *testing.T) {
	cfg := config.TelemetryConfig{Enabled: true, Exporter: "zipkin"}
	if _, err := Setup(context.Background(), cfg, "switchboard-test", "dev", nil); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
