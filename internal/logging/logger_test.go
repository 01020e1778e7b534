package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestFromContextAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerTo(&buf, "info")
	ctx := ContextWithRequestID(context.Background(), "req-42")

	FromContext(ctx, base).Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["request_id"] != "req-42" {
		t.Fatalf("expected request_id in record, got %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "warn")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level")
	}
	l.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("warn should be emitted")
	}
}

func TestRequestIDFromEmptyContext(t *testing.T) {
	if RequestIDFromContext(context.Background()) != "" {
		t.Fatalf("expected empty request id")
	}
	if NewRequestID() == NewRequestID() {
		t.Fatalf("request ids should be unique")
	}
}
