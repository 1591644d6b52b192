package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/zedcore/internal/logging"
)

func TestNewConsole(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", logging.FormatConsole, buf)
	require.NotNil(t, logger)

	logger.Info("branch created", "branch_id", "b-1")
	assert.Contains(t, buf.String(), "branch created")
	assert.Contains(t, buf.String(), "b-1")
}

func TestNewJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("debug", logging.FormatJSON, buf)

	logger.Debug("turn completed", "replied", true)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "turn completed", line["msg"])
	assert.Equal(t, "DEBUG", line["level"])
	assert.Equal(t, true, line["replied"])
}

func TestLevels(t *testing.T) {
	testCases := []struct {
		level       string
		expectDebug bool
		expectInfo  bool
		expectWarn  bool
	}{
		{"debug", true, true, true},
		{"info", false, true, true},
		{"warn", false, false, true},
		{"warning", false, false, true},
		{"error", false, false, false},
		{"DEBUG", true, true, true},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := logging.New(tc.level, logging.FormatConsole, buf)

			logger.Debug("debug message")
			logger.Info("info message")
			logger.Warn("warn message")
			logger.Error("error message")

			out := buf.String()
			assert.Equal(t, tc.expectDebug, bytes.Contains([]byte(out), []byte("debug message")))
			assert.Equal(t, tc.expectInfo, bytes.Contains([]byte(out), []byte("info message")))
			assert.Equal(t, tc.expectWarn, bytes.Contains([]byte(out), []byte("warn message")))
			assert.Contains(t, out, "error message")
		})
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	lvl, ok := logging.ParseLevel("loud")
	assert.False(t, ok)
	assert.Equal(t, slog.LevelInfo, lvl)

	buf := &bytes.Buffer{}
	logger := logging.New("loud", logging.FormatConsole, buf)
	assert.Contains(t, buf.String(), "invalid log level")

	buf.Reset()
	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestContext(t *testing.T) {
	assert.Equal(t, slog.Default(), logging.From(context.Background()))

	logger := logging.New("info", logging.FormatJSON, &bytes.Buffer{})
	ctx := logging.With(context.Background(), logger)
	assert.Same(t, logger, logging.From(ctx))
}
