package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

func decode(t *testing.T, line string) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, line)
	}
	return entry
}

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithActor(ctx, "user-42")

	if err := l.LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	entry := decode(t, buf.String())
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["actor"] != "user-42" {
		t.Fatalf("unexpected actor: %v", entry["actor"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	l := New(zerolog.Nop())
	if err := l.LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}

func TestPublisherLogsRegistryEvents(t *testing.T) {
	var buf bytes.Buffer
	pub := New(zerolog.New(&buf)).Publisher()

	pub.Publish(WithRequestID(context.Background(), "req-9"), registry.Event{
		Type:       registry.EventRouteClosed,
		DocumentID: "doc-1",
		StepID:     "step-1",
		Actor:      "clerk",
		At:         time.Now(),
		Data:       map[string]any{"action": "approved"},
	})

	entry := decode(t, strings.TrimSpace(buf.String()))
	if entry["event"] != registry.EventRouteClosed || entry["actor"] != "clerk" || entry["request_id"] != "req-9" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	fields := entry["fields"].(map[string]any)
	if fields["document_id"] != "doc-1" || fields["step_id"] != "step-1" || fields["action"] != "approved" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}
