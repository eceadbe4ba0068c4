package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateLevel(t *testing.T) {
	tests := []struct {
		level string
		valid bool
	}{
		{"debug", true},
		{"info", true},
		{"warn", true},
		{"error", true},
		{"DEBUG", true}, // case insensitive
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ValidateLevel(tt.level); got != tt.valid {
				t.Errorf("ValidateLevel(%q) = %v, want %v", tt.level, got, tt.valid)
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	tests := []struct {
		format string
		valid  bool
	}{
		{"logfmt", true},
		{"json", true},
		{"JSON", true},
		{"xml", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			if got := ValidateFormat(tt.format); got != tt.valid {
				t.Errorf("ValidateFormat(%q) = %v, want %v", tt.format, got, tt.valid)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("defaults_for_empty_fields", func(t *testing.T) {
		logger, closer, err := New(Config{})
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.Nil(t, closer)
	})

	t.Run("invalid_level", func(t *testing.T) {
		_, _, err := New(Config{Level: "loud"})
		assert.Error(t, err)
	})

	t.Run("invalid_format", func(t *testing.T) {
		_, _, err := New(Config{Format: "xml"})
		assert.Error(t, err)
	})

	t.Run("file_output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "traprelay.log")
		logger, closer, err := New(Config{Level: "info", Format: "json", Output: path})
		require.NoError(t, err)
		require.NotNil(t, closer)

		logger.Info("trap relayed", "if_index", 5)
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"if_index":5`)
	})
}

func TestOpenLogFileRejectsTraversal(t *testing.T) {
	_, err := openLogFile("../../escape.log")
	assert.Error(t, err)

	_, err = openLogFile("")
	assert.Error(t, err)
}

func TestContextHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithSource(context.Background(), "192.0.2.10")
	ctx = WithWorker(ctx, 3)
	ctx = WithTraceID(ctx, "abc")

	logger.WarnContext(ctx, "community mismatch", "community", "private")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "192.0.2.10", record["source_ip"])
	assert.Equal(t, float64(3), record["worker_id"])
	assert.Equal(t, "abc", record["trace_id"])
	assert.Equal(t, "private", record["community"])

	t.Run("preserved_through_with", func(t *testing.T) {
		buf.Reset()
		logger.With("component", "decoder").InfoContext(ctx, "decoded")
		assert.Contains(t, buf.String(), `"component":"decoder"`)
		assert.Contains(t, buf.String(), `"source_ip":"192.0.2.10"`)
	})

	t.Run("plain_context", func(t *testing.T) {
		buf.Reset()
		logger.InfoContext(context.Background(), "idle")
		assert.NotContains(t, buf.String(), "source_ip")
	})
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	_, ok := SourceFromContext(ctx)
	assert.False(t, ok)

	ctx = WithSource(ctx, "10.0.0.1")
	ip, ok := SourceFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1", ip)

	ctx = WithTraceID(ctx, "t-1")
	id, ok := TraceIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "t-1", id)
}

func TestSetLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "level.log")
	require.NoError(t, Init(Config{Level: "info", Format: "logfmt", Output: path}))
	t.Cleanup(func() { _ = Shutdown() })

	Get().Debug("hidden")
	require.NoError(t, SetLevel("debug"))
	Get().Debug("visible")

	assert.Error(t, SetLevel("verbose"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	OrComponent(base, "relay").Info("posted")
	assert.True(t, strings.Contains(buf.String(), "component=relay"))

	assert.NotNil(t, OrComponent(nil, "relay"))
}

func TestSNMPLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_ = SNMPLogger(base)

	a := snmpAdapter{logger: base.With("component", "gosnmp")}
	a.Printf("Parsed community %s\n", "public")
	a.Print("done")

	assert.Contains(t, buf.String(), "Parsed community public")
	assert.Contains(t, buf.String(), "component=gosnmp")
	assert.Contains(t, buf.String(), "done")
}
