package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestSetupWithWriterText(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	SetupWithWriter("debug", "text", &buf)
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	Debug("hello", "k", "v")
	out := buf.String()
	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected text output: %q", out)
	}

	// Second call is ignored.
	var other bytes.Buffer
	SetupWithWriter("error", "json", &other)
	Info("still text")
	if other.Len() != 0 {
		t.Fatalf("second Setup should not replace the logger, got %q", other.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	return out
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("bridge").Info("hello")

	out := decodeLine(t, &buf)
	if out["component"] != "bridge" {
		t.Errorf("Expected component 'bridge', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithAgent(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithAgent("agent-1").Info("agent msg")

	out := decodeLine(t, &buf)
	if out["child_agent_id"] != "agent-1" {
		t.Errorf("Expected child_agent_id 'agent-1', got %v", out["child_agent_id"])
	}
}

func TestWithRequest(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithRequest("17_42").Info("request msg")

	out := decodeLine(t, &buf)
	if out["request_id"] != "17_42" {
		t.Errorf("Expected request_id '17_42', got %v", out["request_id"])
	}
}
