package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/Strob0t/agentwire/internal/config"
)

func TestNew(t *testing.T) {
	l, closer := New(config.Logging{Level: "debug", Service: "test-svc"})
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWithWriter(config.Logging{Level: "info", Service: "test-svc", Async: true}, &buf)
	l.Info("queued")
	closer.Close()

	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"queued"`)) {
		t.Errorf("async record not flushed on close: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestTraceContext(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "" {
		t.Errorf("expected empty trace ID, got %q", got)
	}

	ctx = WithTrace(ctx, "trace-1", "msg-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Errorf("TraceID = %q, want trace-1", got)
	}
	if got := MessageID(ctx); got != "msg-1" {
		t.Errorf("MessageID = %q, want msg-1", got)
	}
}

func TestContextHandlerAddsCorrelation(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWithWriter(config.Logging{Level: "info", Service: "svc"}, &buf)
	defer closer.Close()

	l.InfoContext(WithTrace(context.Background(), "t-42", "m-7"), "handled")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["trace_id"] != "t-42" || rec["message_id"] != "m-7" {
		t.Errorf("missing correlation attrs: %v", rec)
	}
	if rec["service"] != "svc" {
		t.Errorf("service = %v, want svc", rec["service"])
	}
}
