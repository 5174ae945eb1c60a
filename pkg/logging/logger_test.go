package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureDefault(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	t.Cleanup(func() {
		slog.SetDefault(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	})
	return &buf
}

func TestLazyHandler_UsesCurrentDefault(t *testing.T) {
	// Package-level logger created before the default handler is swapped
	logger := WithComponent(LogTypeElection, "controller")

	buf := captureDefault(t, slog.LevelInfo)

	logger.Info("leadership acquired", slog.String(KeyGroup, "orders"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got: %s", buf.String())
	}

	if entry["msg"] != "leadership acquired" {
		t.Errorf("expected msg=leadership acquired, got %v", entry["msg"])
	}
	if entry[KeyLogType] != LogTypeElection {
		t.Errorf("expected log_type=%s, got %v", LogTypeElection, entry[KeyLogType])
	}
	if entry[KeyComponent] != "controller" {
		t.Errorf("expected component=controller, got %v", entry[KeyComponent])
	}
	if entry[KeyGroup] != "orders" {
		t.Errorf("expected group=orders, got %v", entry[KeyGroup])
	}
}

func TestLazyHandler_WithAdditionalAttrs(t *testing.T) {
	buf := captureDefault(t, slog.LevelInfo)

	logger := WithComponent(LogTypeLease, "k8s").With(slog.String(KeyIdentity, "pod-a"))
	logger.Info("lease created")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got: %s", buf.String())
	}

	if entry[KeyLogType] != LogTypeLease {
		t.Errorf("expected log_type=%s, got %v", LogTypeLease, entry[KeyLogType])
	}
	if entry[KeyIdentity] != "pod-a" {
		t.Errorf("expected identity=pod-a, got %v", entry[KeyIdentity])
	}
}

func TestLazyHandler_AttributeOrdering(t *testing.T) {
	buf := captureDefault(t, slog.LevelInfo)

	logger := WithComponent(LogTypeServer, "test")
	logger.Info("msg", slog.String("inline", "val"))

	raw := buf.String()
	logTypeIdx := strings.Index(raw, `"log_type"`)
	componentIdx := strings.Index(raw, `"component"`)
	inlineIdx := strings.Index(raw, `"inline"`)

	if logTypeIdx < 0 || componentIdx < 0 || inlineIdx < 0 {
		t.Fatalf("missing expected fields in output: %s", raw)
	}
	if logTypeIdx > inlineIdx || componentIdx > inlineIdx {
		t.Errorf("preAttrs should appear before inline attrs, got: %s", raw)
	}
}

func TestLazyHandler_RespectsLevel(t *testing.T) {
	buf := captureDefault(t, slog.LevelWarn)

	logger := WithComponent(LogTypeNotify, "timed")
	logger.Info("should not appear")

	if buf.Len() > 0 {
		t.Errorf("expected no output for info at warn level, got: %s", buf.String())
	}

	logger.Warn("should appear")

	if buf.Len() == 0 {
		t.Error("expected output for warn at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestArgsToAttrs(t *testing.T) {
	attrs := argsToAttrs([]any{KeyGroup, "g1", slog.Int(KeyCount, 2), "dangling"})
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attrs, got %d", len(attrs))
	}
	if attrs[0].Key != KeyGroup || attrs[0].Value.String() != "g1" {
		t.Errorf("unexpected first attr: %v", attrs[0])
	}
	if attrs[1].Key != KeyCount || attrs[1].Value.Int64() != 2 {
		t.Errorf("unexpected second attr: %v", attrs[1])
	}
}
