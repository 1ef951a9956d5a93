package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerDefaultsToStderr(t *testing.T) {
	logger := NewLogger(nil)
	require.NotNil(t, logger)
	assert.Equal(t, LevelInfo, logger.level)
}

func TestLoggerRespectsLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Info("should be filtered")
	assert.Zero(t, buf.Len(), "expected no output below the configured level, got: %s", buf.String())

	logger.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestLoggerIncludesKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("starting runtime", "name", "echo", "kind", "server")
	output := buf.String()
	assert.Contains(t, output, "name=echo")
	assert.Contains(t, output, "kind=server")
	assert.Contains(t, output, "[INFO]")
}

func TestLoggerLevelPrefixes(t *testing.T) {
	tests := []struct {
		name   string
		log    func(l *Logger)
		prefix string
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }, "[DEBUG]"},
		{"info", func(l *Logger) { l.Info("msg") }, "[INFO]"},
		{"warn", func(l *Logger) { l.Warn("msg") }, "[WARN]"},
		{"error", func(l *Logger) { l.Error("msg") }, "[ERROR]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})
			tt.log(logger)
			assert.Contains(t, buf.String(), tt.prefix)
		})
	}
}

func TestLoggerPrintfVariants(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Infof("listening on %s:%d", "127.0.0.1", 8080)
	assert.Contains(t, buf.String(), "listening on 127.0.0.1:8080")

	buf.Reset()
	logger.Errorf("failed after %d attempts", 3)
	assert.Contains(t, buf.String(), "failed after 3 attempts")
}

func TestLoggerPrintfIsAnInfoAlias(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	logger.Printf("hello %s", "world")
	assert.Contains(t, buf.String(), "[INFO]")
	assert.Contains(t, buf.String(), "hello world")
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	assert.Contains(t, buf.String(), "debug message")
	assert.Contains(t, buf.String(), "key=value")

	buf.Reset()
	Info("info message")
	assert.Contains(t, buf.String(), "info message")

	buf.Reset()
	Warn("warning message")
	assert.Contains(t, buf.String(), "warning message")

	buf.Reset()
	Error("error message")
	assert.Contains(t, buf.String(), "error message")
}

func TestDefaultReturnsSameInstanceUntilReplaced(t *testing.T) {
	SetDefault(nil)
	first := Default()
	second := Default()
	assert.Same(t, first, second, "Default() should return the same logger instance across calls")
}
