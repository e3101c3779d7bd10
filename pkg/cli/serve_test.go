package cli

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirestub/wirestub/pkg/logging"
)

func writeScriptFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidateServeFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		flags   serveFlags
		wantErr string
	}{
		{
			name:  "defaults are valid",
			flags: serveFlags{clientAuth: "none"},
		},
		{
			name:  "tls with client auth",
			flags: serveFlags{tlsEnabled: true, clientAuth: "require"},
		},
		{
			name:    "port out of range",
			flags:   serveFlags{port: 70000},
			wantErr: "invalid port",
		},
		{
			name:    "negative body limit",
			flags:   serveFlags{bodyLimit: -1},
			wantErr: "invalid body limit",
		},
		{
			name:    "cert without key",
			flags:   serveFlags{tlsCert: "server.crt"},
			wantErr: "must be given together",
		},
		{
			name:    "client auth without tls",
			flags:   serveFlags{clientAuth: "require"},
			wantErr: "--client-auth requires TLS",
		},
		{
			name:    "protocols without tls",
			flags:   serveFlags{protocols: "h2,http/1.1"},
			wantErr: "--protocols requires TLS",
		},
		{
			name:    "tunnel without tls",
			flags:   serveFlags{tunnel: true},
			wantErr: "--tunnel-proxy requires TLS",
		},
		{
			name:    "no-alpn with protocols",
			flags:   serveFlags{tlsEnabled: true, noALPN: true, protocols: "h2,http/1.1"},
			wantErr: "mutually exclusive",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := validateServeFlags(&tt.flags)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuildServerServesScript(t *testing.T) {
	t.Parallel()

	path := writeScriptFile(t, "responses:\n  - status: 201\n    body: scripted\n")

	f := &serveFlags{scriptPath: path, clientAuth: "none"}
	srv, err := buildServer(f, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown() })

	resp, err := http.Get(srv.URL("/"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "scripted", string(body))
}

func TestBuildServerFlagErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing script file", func(t *testing.T) {
		t.Parallel()

		f := &serveFlags{scriptPath: filepath.Join(t.TempDir(), "absent.yaml"), clientAuth: "none"}
		_, err := buildServer(f, logging.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load script")
	})

	t.Run("fail-fast rejects rule scripts", func(t *testing.T) {
		t.Parallel()

		path := writeScriptFile(t, "rules:\n  - response:\n      status: 200\n")
		f := &serveFlags{scriptPath: path, failFast: true, clientAuth: "none"}
		_, err := buildServer(f, logging.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue mode")
	})

	t.Run("unknown client auth mode", func(t *testing.T) {
		t.Parallel()

		f := &serveFlags{clientAuth: "sometimes"}
		_, err := buildServer(f, logging.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "clientAuth")
	})
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"h2", "http/1.1"}, splitList("h2, http/1.1"))
	assert.Equal(t, []string{"http/1.1"}, splitList("http/1.1,"))
	assert.Empty(t, splitList(""))
}

func TestIsAddrInUseError(t *testing.T) {
	t.Parallel()

	assert.True(t, isAddrInUseError(syscall.EADDRINUSE))
	assert.True(t, isAddrInUseError(errors.New("listen tcp :80: bind: address already in use")))
	assert.False(t, isAddrInUseError(errors.New("connection refused")))
	assert.False(t, isAddrInUseError(nil))
}
