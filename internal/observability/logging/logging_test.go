package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewHonorsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Writer: &buf, Format: "json"})

	logger.Info("hidden")
	logger.Warn("visible", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v (raw %q)", err, buf.String())
	}
	if entry["msg"] != "visible" || entry["key"] != "value" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("text output = %q", buf.String())
	}
}

func TestWithContextAnnotatesRequestAndStream(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "json"})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithStreamKey(ctx, "https://videos.example.com/a (live)")
	WithContext(ctx, logger).Info("annotated")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["request_id"] != "req-1" {
		t.Fatalf("request_id = %v", entry["request_id"])
	}
	if entry["stream_key"] != "https://videos.example.com/a (live)" {
		t.Fatalf("stream_key = %v", entry["stream_key"])
	}
}

func TestContextHelpersIgnoreEmptyValues(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "  ")
	if _, ok := RequestIDFromContext(ctx); ok {
		t.Fatalf("blank request id should not be stored")
	}
	ctx = ContextWithStreamKey(ctx, "")
	if _, ok := StreamKeyFromContext(ctx); ok {
		t.Fatalf("blank stream key should not be stored")
	}
}

func TestLoggerFromContextRoundTrip(t *testing.T) {
	logger := New(Config{Format: "json"})
	ctx := ContextWithLogger(context.Background(), logger)
	if got := LoggerFromContext(ctx); got != logger {
		t.Fatalf("logger not returned from context")
	}
	if got := LoggerFromContext(context.Background()); got != nil {
		t.Fatalf("expected nil logger for empty context")
	}
}
