package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		level     string
		wantLevel slog.Level
	}{
		{level: "debug", wantLevel: slog.LevelDebug},
		{level: "warn", wantLevel: slog.LevelWarn},
		{level: "error", wantLevel: slog.LevelError},
		{level: "bogus", wantLevel: slog.LevelInfo},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			t.Parallel()

			logger := newLogger(tc.level, "text", &bytes.Buffer{})

			assert.True(t, logger.Enabled(context.Background(), tc.wantLevel))
			assert.False(t, logger.Enabled(context.Background(), tc.wantLevel-1))
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	newLogger("info", "json", &buf).Info("Bootstrap starting.", "requirements", 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Bootstrap starting.", record["msg"])
	assert.Equal(t, float64(2), record["requirements"])
	assert.NotContains(t, record, "source")
}
