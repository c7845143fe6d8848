package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "json", &buf)
	logger.Debug("store opened", "database_url", "postgres://u:p@db/handoff", "agent", "coder")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["database_url"] != "[REDACTED]" {
		t.Fatalf("database_url = %v, want redacted", line["database_url"])
	}
	if line["agent"] != "coder" || line["timestamp"] == nil {
		t.Fatalf("unexpected line: %v", line)
	}
}

func TestNewLoggerTextAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "text", &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "msg=shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("ParseLevel(bogus) should default to info")
	}
}

func TestInitTracingNoneIsNoop(t *testing.T) {
	tr, err := InitTracing(context.Background(), TracingConfig{Exporter: "none"})
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	_, span := tr.Tracer.Start(context.Background(), "x")
	EndSpan(span, nil)
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, err := InitTracing(context.Background(), TracingConfig{Exporter: "zipkin"}); err == nil {
		t.Fatalf("InitTracing(zipkin) should fail")
	}
}
