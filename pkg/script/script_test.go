package script

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/wirestub/wirestub/pkg/dispatch"
	"github.com/wirestub/wirestub/pkg/mock"
	"github.com/wirestub/wirestub/pkg/transfer"
)

func writeScript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func get(path string) *mock.RecordedRequest {
	return &mock.RecordedRequest{
		RequestLine: "GET " + path + " HTTP/1.1",
		Method:      "GET",
		Path:        path,
	}
}

func TestLoadQueueScript(t *testing.T) {
	t.Parallel()

	path := writeScript(t, "faults.yaml", `
version: "1"
name: faults
failFast: true
responses:
  - status: 201
    headers:
      - "Content-Type: application/json"
      - "Set-Cookie: a=1"
      - "Set-Cookie: b=2"
    body: '{"ok":true}'
    headersDelay: 10ms
  - statusLine: "HTTP/1.1 200 Nonstandard OK"
    body: chunk me please
    chunked:
      maxChunkSize: 4
    trailers:
      - "X-Checksum: abc123"
    socketPolicy: disconnect-at-end
    throttle:
      bytesPerPeriod: 8
      period: 25ms
  - status: 200
    settings:
      enablePush: 0
      maxConcurrentStreams: 12
    push:
      - path: /style.css
        headers:
          - "X-Origin: push"
        response:
          status: 200
          body: css
`)

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "faults", s.Name)

	d, err := s.Dispatcher()
	require.NoError(t, err)
	q, ok := d.(*dispatch.QueueDispatcher)
	require.True(t, ok, "queue mode builds a QueueDispatcher")
	assert.Equal(t, 3, q.Len())

	first, err := q.Dispatch(get("/"))
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 201 Created", first.Status)
	assert.Equal(t, []mock.HeaderEntry{
		{Name: "Content-Length", Value: "11"},
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "Set-Cookie", Value: "b=2"},
	}, first.Headers.Entries())
	assert.Equal(t, `{"ok":true}`, string(first.Body))
	assert.Equal(t, 10*time.Millisecond, first.HeadersDelay)

	second, err := q.Dispatch(get("/"))
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 Nonstandard OK", second.Status)
	assert.Equal(t, "chunked", second.Headers.Get("Transfer-Encoding"))
	assert.False(t, second.Headers.Has("Content-Length"))
	assert.Equal(t, "4\r\nchun\r\n4\r\nk me\r\n4\r\n ple\r\n3\r\nase\r\n0\r\n", string(second.Body))
	assert.Equal(t, "abc123", second.Trailers.Get("X-Checksum"))
	assert.Equal(t, mock.PolicyDisconnectAtEnd, second.SocketPolicy)
	assert.Equal(t, transfer.Policy{BytesPerPeriod: 8, Period: 25 * time.Millisecond}, second.Throttle)

	third, err := q.Dispatch(get("/"))
	require.NoError(t, err)
	assert.Equal(t, []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingMaxConcurrentStreams, Val: 12},
	}, third.Settings)
	require.Len(t, third.PushPromises, 1)
	push := third.PushPromises[0]
	assert.Equal(t, "GET", push.Method)
	assert.Equal(t, "/style.css", push.Path)
	assert.Equal(t, "push", push.Headers.Get("X-Origin"))
	assert.Equal(t, "css", string(push.Response.Body))

	drained, err := q.Dispatch(get("/"))
	require.NoError(t, err)
	assert.Equal(t, 404, drained.StatusCode(), "failFast answers instead of blocking")
}

func TestLoadRulesScript(t *testing.T) {
	t.Parallel()

	path := writeScript(t, "routes.yaml", `
rules:
  - match: 'method == "POST" && pathMatches("/api/**")'
    response:
      status: 201
      body: created
  - match: 'header("X-Probe") == "yes"'
    response:
      status: 204
fallback:
  status: 418
  body: teapot
`)

	s, err := Load(path)
	require.NoError(t, err)

	d, err := s.Dispatcher()
	require.NoError(t, err)
	_, ok := d.(*dispatch.RuleDispatcher)
	require.True(t, ok, "match mode builds a RuleDispatcher")

	created, err := d.Dispatch(&mock.RecordedRequest{
		RequestLine: "POST /api/users HTTP/1.1",
		Method:      "POST",
		Path:        "/api/users",
	})
	require.NoError(t, err)
	assert.Equal(t, 201, created.StatusCode())
	assert.Equal(t, "created", string(created.Body))

	probe := get("/")
	probe.Headers.Add("X-Probe", "yes")
	noContent, err := d.Dispatch(probe)
	require.NoError(t, err)
	assert.Equal(t, 204, noContent.StatusCode())

	fallback, err := d.Dispatch(get("/other"))
	require.NoError(t, err)
	assert.Equal(t, 418, fallback.StatusCode())
	assert.Equal(t, "teapot", string(fallback.Body))
}

func TestBodyFile(t *testing.T) {
	t.Parallel()

	t.Run("resolves relative to the script", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "payload.bin"), []byte("file payload"), 0o644))
		path := filepath.Join(dir, "script.yaml")
		require.NoError(t, os.WriteFile(path, []byte("responses:\n  - bodyFile: payload.bin\n"), 0o644))

		s, err := Load(path)
		require.NoError(t, err)
		d, err := s.Dispatcher()
		require.NoError(t, err)

		resp, err := d.Dispatch(get("/"))
		require.NoError(t, err)
		assert.Equal(t, "file payload", string(resp.Body))
		assert.Equal(t, "12", resp.Headers.Get("Content-Length"))
	})

	t.Run("missing file fails the build", func(t *testing.T) {
		t.Parallel()

		s, err := ParseYAML([]byte("responses:\n  - bodyFile: missing.bin\n"))
		require.NoError(t, err)
		_, err = s.Dispatcher()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "responses[0]")
	})
}

func TestLoadJSONScript(t *testing.T) {
	t.Parallel()

	path := writeScript(t, "script.json", `{"responses":[{"status":200,"body":"from json"}]}`)
	s, err := Load(path)
	require.NoError(t, err)

	d, err := s.Dispatcher()
	require.NoError(t, err)
	resp, err := d.Dispatch(get("/"))
	require.NoError(t, err)
	assert.Equal(t, "from json", string(resp.Body))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "responses and rules together",
			yaml:    "responses:\n  - status: 200\nrules:\n  - response:\n      status: 200\n",
			wantErr: "mutually exclusive",
		},
		{
			name:    "neither responses nor rules",
			yaml:    "name: nothing\n",
			wantErr: "neither responses nor rules",
		},
		{
			name:    "fallback without rules",
			yaml:    "responses:\n  - status: 200\nfallback:\n  status: 404\n",
			wantErr: "fallback requires rules",
		},
		{
			name:    "failFast with rules",
			yaml:    "failFast: true\nrules:\n  - response:\n      status: 200\n",
			wantErr: "queue mode only",
		},
		{
			name:    "unsupported version",
			yaml:    "version: \"2\"\nresponses:\n  - status: 200\n",
			wantErr: "unsupported version",
		},
		{
			name:    "status out of range",
			yaml:    "responses:\n  - status: 99\n",
			wantErr: "responses[0].status",
		},
		{
			name:    "status and statusLine together",
			yaml:    "responses:\n  - status: 200\n    statusLine: \"HTTP/1.1 200 OK\"\n",
			wantErr: "cannot specify both status and statusLine",
		},
		{
			name:    "body and bodyFile together",
			yaml:    "responses:\n  - body: a\n    bodyFile: b\n",
			wantErr: "cannot specify both body and bodyFile",
		},
		{
			name:    "malformed header line",
			yaml:    "responses:\n  - headers:\n      - \"no colon here\"\n",
			wantErr: "responses[0].headers[0]",
		},
		{
			name:    "unknown socket policy",
			yaml:    "responses:\n  - socketPolicy: explode\n",
			wantErr: "responses[0].socketPolicy",
		},
		{
			name:    "bad delay",
			yaml:    "responses:\n  - headersDelay: fast\n",
			wantErr: "invalid duration",
		},
		{
			name:    "throttle without period",
			yaml:    "responses:\n  - throttle:\n      bytesPerPeriod: 8\n",
			wantErr: "period is required",
		},
		{
			name:    "push without path",
			yaml:    "responses:\n  - push:\n      - response:\n          status: 200\n",
			wantErr: "push[0].path",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseYAML([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	t.Run("file not found", func(t *testing.T) {
		t.Parallel()
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	t.Run("empty file", func(t *testing.T) {
		t.Parallel()
		_, err := Load(writeScript(t, "empty.yaml", ""))
		assert.ErrorIs(t, err, ErrEmptyFile)
	})

	t.Run("directory", func(t *testing.T) {
		t.Parallel()
		_, err := Load(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "directory")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		t.Parallel()
		_, err := Load(writeScript(t, "bad.yaml", "responses: ["))
		assert.ErrorIs(t, err, ErrInvalidYAML)
	})

	t.Run("invalid json", func(t *testing.T) {
		t.Parallel()
		_, err := Load(writeScript(t, "bad.json", `{"responses":`))
		assert.ErrorIs(t, err, ErrInvalidJSON)
	})
}

func TestScriptedHeaderOverridesComputed(t *testing.T) {
	t.Parallel()

	s, err := ParseYAML([]byte("responses:\n  - body: hi\n    headers:\n      - \"Content-Length: 999\"\n"))
	require.NoError(t, err)

	d, err := s.Dispatcher()
	require.NoError(t, err)
	resp, err := d.Dispatch(get("/"))
	require.NoError(t, err)
	assert.Equal(t, []string{"999"}, resp.Headers.Values("Content-Length"))
	assert.Equal(t, "hi", string(resp.Body))
}

func TestDispatcherRejectsBadPredicate(t *testing.T) {
	t.Parallel()

	s, err := ParseYAML([]byte("rules:\n  - match: 'method =='\n    response:\n      status: 200\n"))
	require.NoError(t, err)

	_, err = s.Dispatcher()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules[0]")
}
