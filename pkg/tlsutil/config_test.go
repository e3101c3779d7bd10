package tlsutil

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfig(t *testing.T) {
	gen, err := GenerateSelfSignedCert(nil)
	require.NoError(t, err)
	cert, err := gen.TLSCertificate()
	require.NoError(t, err)

	cfg := ServerConfig(cert, []string{"h2", "http/1.1"}, tls.RequestClientCert)

	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, []string{"h2", "http/1.1"}, cfg.NextProtos)
	assert.Equal(t, tls.RequestClientCert, cfg.ClientAuth)
	assert.Len(t, cfg.Certificates, 1)
}

func TestServerConfigHandshake(t *testing.T) {
	gen, err := GenerateSelfSignedCert(nil)
	require.NoError(t, err)
	cert, err := gen.TLSCertificate()
	require.NoError(t, err)

	srvCfg := ServerConfig(cert, []string{"http/1.1"}, tls.NoClientCert)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		done <- tls.Server(server, srvCfg).Handshake()
	}()

	cliConn := tls.Client(client, &tls.Config{
		RootCAs:    Pool(gen.Certificate),
		ServerName: "localhost",
		NextProtos: []string{"http/1.1"},
		MinVersion: tls.VersionTLS12,
	})
	require.NoError(t, cliConn.Handshake())
	require.NoError(t, <-done)

	assert.Equal(t, "http/1.1", cliConn.ConnectionState().NegotiatedProtocol)
}

func TestFailingConfigAbortsHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = tls.Server(server, FailingConfig()).Handshake()
		server.Close()
	}()

	cliConn := tls.Client(client, &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	err := cliConn.Handshake()
	assert.Error(t, err)
}

func TestParseClientAuth(t *testing.T) {
	tests := []struct {
		input   string
		want    tls.ClientAuthType
		wantErr bool
	}{
		{"", tls.NoClientCert, false},
		{"none", tls.NoClientCert, false},
		{"request", tls.RequestClientCert, false},
		{"require", tls.RequireAnyClientCert, false},
		{"verify-if-given", tls.VerifyClientCertIfGiven, false},
		{"require-and-verify", tls.RequireAndVerifyClientCert, false},
		{"bogus", tls.NoClientCert, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseClientAuth(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
