package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}, Sync: true}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}, Sync: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if NewLogger(tt.config) == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithQueueAndStream(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithQueue(1).WithStream(0).Info("queue ready")

	output := buf.String()
	if !strings.Contains(output, "queue_id=1") {
		t.Errorf("Expected queue_id=1 in output, got: %s", output)
	}
	if !strings.Contains(output, "stream_id=0") {
		t.Errorf("Expected stream_id=0 in output, got: %s", output)
	}
}

func TestLoggerWithCommand(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithCommand("SET_FREQ").Debug("submitting", "arg", 44100)

	output := buf.String()
	if !strings.Contains(output, "cmd=SET_FREQ") {
		t.Errorf("Expected cmd=SET_FREQ in output, got: %s", output)
	}
	if !strings.Contains(output, "arg=44100") {
		t.Errorf("Expected arg=44100 in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithError(errors.New("ring exhausted")).Error("submit failed")

	if !strings.Contains(buf.String(), "ring exhausted") {
		t.Errorf("Expected error text in output, got: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden too")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below warn, got: %s", buf.String())
	}
	if logger.Enabled(LevelDebug) {
		t.Error("Enabled(LevelDebug) should be false at warn level")
	}
	if !logger.Enabled(LevelError) {
		t.Error("Enabled(LevelError) should be true at warn level")
	}

	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected warn message, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug": LevelDebug,
		"info":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
		"bogus": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(newTestLogger(&buf, LevelDebug))
	defer SetDefault(prev)

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "key=value") {
		t.Errorf("Expected key=value, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("Expected error message, got: %s", buf.String())
	}
}

func TestAsyncWriterClose(t *testing.T) {
	var buf bytes.Buffer
	aw := newAsyncWriter(&buf, 4)
	if _, err := aw.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	aw.Close()
	if buf.String() != "hello" {
		t.Errorf("Expected flushed output, got %q", buf.String())
	}
	if _, err := aw.Write([]byte("late")); err == nil {
		t.Error("Write after Close should fail")
	}
}
