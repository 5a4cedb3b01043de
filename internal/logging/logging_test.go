package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q): unexpected error state: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestComponentJSON(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, true)

	Component("server").Info("listening", "port", 5678)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "server" {
		t.Errorf("expected component=server, got %v", entry["component"])
	}
	if entry["msg"] != "listening" {
		t.Errorf("expected msg=listening, got %v", entry["msg"])
	}
}

func TestTextHandlerNoColorForBuffers(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)

	Component("monitor").Warn("timeout")

	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Errorf("expected no ANSI escapes in non-terminal output, got %q", out)
	}
	if !strings.Contains(out, "component=monitor") {
		t.Errorf("expected component attribute in %q", out)
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, true)

	ctx := ContextWithConnID(context.Background(), "abc")
	ctx = ContextWithSensorID(ctx, 7)
	WithContext(ctx).Info("reading")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["conn_id"] != "abc" {
		t.Errorf("expected conn_id=abc, got %v", entry["conn_id"])
	}
	if entry["sensor_id"] != float64(7) {
		t.Errorf("expected sensor_id=7, got %v", entry["sensor_id"])
	}
}

// Package-level loggers are created before main calls Init.
var early = Component("early")

func TestComponentFollowsInit(t *testing.T) {
	var first, second bytes.Buffer
	InitWriter(&first, slog.LevelInfo, true)
	early.Info("one")

	InitWriter(&second, slog.LevelWarn, true)
	early.Info("filtered")
	early.Warn("two")

	if !strings.Contains(first.String(), `"msg":"one"`) {
		t.Errorf("expected first message in first writer, got %q", first.String())
	}
	out := second.String()
	if strings.Contains(out, "filtered") {
		t.Errorf("expected info to be filtered at warn level, got %q", out)
	}
	if !strings.Contains(out, `"component":"early"`) || !strings.Contains(out, `"msg":"two"`) {
		t.Errorf("expected component logger to follow the new handler, got %q", out)
	}
}
