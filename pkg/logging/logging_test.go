package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"dEbUg", LevelDebug},
		{"info", LevelInfo},
		{"Info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"WARNING", LevelWarn},
		{"error", LevelError},
		{"ERROR", LevelError},
		{"", LevelInfo},
		{"trace", LevelInfo},
		{"fatal", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input string
		want  Format
	}{
		{"json", FormatJSON},
		{"JSON", FormatJSON},
		{"text", FormatText},
		{"TEXT", FormatText},
		{"", FormatText},
		{"yaml", FormatText},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseFormat(tt.input))
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer
		log := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

		log.Info("listener up", "port", 8080)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "listener up", entry["msg"])
		assert.Equal(t, float64(8080), entry["port"])
	})

	t.Run("level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		log := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})

		log.Info("dropped")
		log.Warn("kept")

		out := buf.String()
		assert.NotContains(t, out, "dropped")
		assert.Contains(t, out, "kept")
	})

	t.Run("nil output defaults to stderr", func(t *testing.T) {
		log := New(Config{Level: LevelError})
		require.NotNil(t, log)
	})
}

func TestNop(t *testing.T) {
	log := Nop()
	require.NotNil(t, log)
	log.Error("nobody sees this", "err", "ignored")
}

func TestMultiHandler(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	debugHandler := slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	warnHandler := slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn})

	multi := NewMultiHandler(debugHandler, warnHandler)
	log := slog.New(multi)

	t.Run("enabled if any handler is", func(t *testing.T) {
		assert.True(t, multi.Enabled(context.Background(), slog.LevelDebug))
	})

	t.Run("records reach only enabled handlers", func(t *testing.T) {
		log.Info("connection accepted")
		log.Warn("handshake stalled")

		assert.Contains(t, debugBuf.String(), "connection accepted")
		assert.Contains(t, debugBuf.String(), "handshake stalled")
		assert.NotContains(t, warnBuf.String(), "connection accepted")
		assert.Contains(t, warnBuf.String(), "handshake stalled")
	})

	t.Run("attrs propagate to all handlers", func(t *testing.T) {
		debugBuf.Reset()
		warnBuf.Reset()

		log.With("conn", 3).Warn("reset by policy")

		assert.Contains(t, debugBuf.String(), "conn=3")
		assert.Contains(t, warnBuf.String(), "conn=3")
	})
}

func TestLokiHandler(t *testing.T) {
	var pushes []lokiPush
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var push lokiPush
		require.NoError(t, json.Unmarshal(body, &push))
		pushes = append(pushes, push)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewLokiHandler(srv.URL, WithLokiLabels(map[string]string{"env": "test"}))
	defer func() { _ = h.Close() }()

	log := slog.New(h)
	log.Info("queue drained", "remaining", 0)
	log.WithGroup("stream").With("id", 5).Warn("reset sent")

	require.NoError(t, h.Flush())

	require.Len(t, pushes, 1)
	require.Len(t, pushes[0].Streams, 1)

	stream := pushes[0].Streams[0]
	assert.Equal(t, "wirestub", stream.Stream["job"])
	assert.Equal(t, "test", stream.Stream["env"])

	require.Len(t, stream.Values, 2)
	assert.Contains(t, stream.Values[0][1], `"msg":"queue drained"`)
	assert.Contains(t, stream.Values[0][1], `"remaining":0`)
	assert.Contains(t, stream.Values[1][1], `"stream.id":5`)

	t.Run("flush with empty batch is a no-op", func(t *testing.T) {
		before := len(pushes)
		require.NoError(t, h.Flush())
		assert.Equal(t, before, len(pushes))
	})

	t.Run("below-level records are not batched", func(t *testing.T) {
		before := len(pushes)
		log.Debug("too quiet")
		require.NoError(t, h.Flush())
		assert.Equal(t, before, len(pushes))
	})
}
