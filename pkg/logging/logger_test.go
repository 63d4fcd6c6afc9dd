package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

// TestNamed_JSONAttrs 验证组件名与附加字段写入 JSON 日志
func TestNamed_JSONAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, Config{Level: "info", Format: "json", Component: "sync"})

	l.Named("cache").WithKey("/api/bookings").WithError(errors.New("boom")).Info("fetch")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "sync.cache", rec["component"])
	assert.Equal(t, "/api/bookings", rec["cache_key"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, "fetch", rec["msg"])
}

// TestWithErrorAndDuration nil 错误不附加字段，时长以毫秒记录
func TestWithErrorAndDuration(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, Config{Format: "json"})

	assert.Same(t, l, l.WithError(nil))

	l.WithError(nil).WithDuration(2*time.Second).Info("Reconnect scheduled")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, float64(2000), rec["duration_ms"])
	assert.NotContains(t, rec, "error")
}

func TestHeartbeatLog_FailureIsWarn(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, Config{Format: "json"})

	l.HeartbeatLog("timeout", 61*time.Second, errors.New("no pong"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, float64(61000), rec["since_pong_ms"])
}
