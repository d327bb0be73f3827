package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLogger_Levels(t *testing.T) {
	for _, tc := range []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("message") }},
		{"info", func(l *Logger) { l.Info("message") }},
		{"warn", func(l *Logger) { l.Warn("message") }},
		{"error", func(l *Logger) { l.Error("message") }},
	} {
		t.Run(tc.level, func(t *testing.T) {
			var buf bytes.Buffer
			tc.log(NewLogger(zerolog.New(&buf)))
			out := decode(t, &buf)
			assert.Equal(t, tc.level, out["level"])
			assert.Equal(t, "message", out["message"])
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))
	until := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	logger.Warn("user temporarily blocked",
		usagemeter.Field{Key: "userId", Value: "user1"},
		usagemeter.Field{Key: "limitType", Value: usagemeter.LimitTypeScan},
		usagemeter.Field{Key: "violations", Value: 3},
		usagemeter.Field{Key: "blockedUntil", Value: &until},
		usagemeter.Field{Key: "error", Value: errors.New("boom")},
	)

	out := decode(t, &buf)
	assert.Equal(t, "user1", out["userId"])
	assert.Equal(t, "scan", out["limitType"])
	assert.Equal(t, float64(3), out["violations"])
	assert.Equal(t, until.Format(time.RFC3339), out["blockedUntil"])
	assert.Equal(t, "boom", out["error"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("debug message")
	logger.Info("info message")
	assert.Zero(t, buf.Len())

	logger.Warn("warn message")
	assert.NotZero(t, buf.Len())
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).With("alerts").Info("scan finished")

	out := decode(t, &buf)
	assert.Equal(t, "alerts", out["component"])
}

var _ usagemeter.Logger = (*Logger)(nil)
