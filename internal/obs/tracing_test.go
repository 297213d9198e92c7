package obs

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestTracingExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewTracing(TracingConfig{Enabled: true, ServiceName: "registry-test", Version: "t", Output: &buf})
	if err != nil {
		t.Fatalf("NewTracing: %v", err)
	}
	_, span := tr.Tracer("test").Start(context.Background(), "registry.Register")
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "registry.Register") {
		t.Fatalf("span not exported: %q", buf.String())
	}
}

func TestTracingDisabledIsNoop(t *testing.T) {
	tr, err := NewTracing(TracingConfig{})
	if err != nil {
		t.Fatalf("NewTracing: %v", err)
	}
	_, span := tr.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatal("disabled tracing produced a valid span context")
	}
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
