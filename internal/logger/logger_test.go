package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
		{"unknown level defaults to info", "verbose", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug")

	Log.Warn("byte mask deprecated", "op", "attn_mask", "rank", 2)

	out := buf.String()
	if !strings.Contains(out, "byte mask deprecated") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, `"op":"attn_mask"`) {
		t.Errorf("expected op field in output, got %q", out)
	}
	if !strings.Contains(out, `"rank":2`) {
		t.Errorf("expected rank field in output, got %q", out)
	}
}

func TestLoggerOddArgsIgnored(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug")

	// A dangling key without a value must not panic
	Log.Info("message", "dangling")

	if !strings.Contains(buf.String(), "message") {
		t.Errorf("expected message in output, got %q", buf.String())
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "error")

	Log.Debug("should not appear")
	Log.Info("should not appear either")
	Log.Error("failure")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("lower level messages leaked: %q", out)
	}
	if !strings.Contains(out, "failure") {
		t.Errorf("expected error message, got %q", out)
	}
}
