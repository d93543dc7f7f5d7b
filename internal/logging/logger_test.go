package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{
			name: "debug level",
			config: &Config{
				Level:  LevelDebug,
				Output: &bytes.Buffer{},
			},
		},
		{
			name: "quiet",
			config: &Config{
				Level:  LevelDebug,
				Output: &bytes.Buffer{},
				Quiet:  true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("hidden debug")
	logger.Note("hidden note")
	if buf.Len() != 0 {
		t.Fatalf("expected debug/note to be filtered below Warn level, got: %s", buf.String())
	}

	logger.Warn("visible warning", "endpoint", "lookup")
	output := buf.String()
	if !strings.Contains(output, "visible warning") {
		t.Errorf("expected warning message, got: %s", output)
	}
	if !strings.Contains(output, "endpoint=lookup") {
		t.Errorf("expected key=value args, got: %s", output)
	}
}

func TestLoggerQuietSuppressesBelowError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf, Quiet: true})

	logger.Debug("d")
	logger.Note("n")
	logger.Warn("w")
	if buf.Len() != 0 {
		t.Fatalf("quiet logger should suppress debug/note/warning, got: %s", buf.String())
	}

	logger.Error("e")
	if !strings.Contains(buf.String(), "e") {
		t.Error("quiet logger must still emit error")
	}
}

func TestLoggerJitStreamIsUnfiltered(t *testing.T) {
	var jit bytes.Buffer
	logger := NewLogger(&Config{Level: LevelError, Output: &bytes.Buffer{}, Jit: &jit, Quiet: true})

	logger.Jit("hello ")
	logger.Jit("world")

	if jit.String() != "hello world" {
		t.Errorf("Jit() = %q, want %q", jit.String(), "hello world")
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "debug message") {
		t.Errorf("expected debug message, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "key=value") {
		t.Errorf("expected key=value, got: %s", buf.String())
	}

	buf.Reset()
	Note("note message")
	if !strings.Contains(buf.String(), "note message") {
		t.Errorf("expected note message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}
