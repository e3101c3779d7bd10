package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrHandshakeRefused is returned by a failing config's certificate
// callback, aborting the handshake before any certificate is offered.
var ErrHandshakeRefused = errors.New("tls handshake refused by socket policy")

// ServerConfig builds the serving tls.Config: the given certificate,
// TLS 1.2 minimum, the ALPN protocol list in preference order, and the
// client certificate mode.
func ServerConfig(cert tls.Certificate, nextProtos []string, clientAuth tls.ClientAuthType) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   nextProtos,
		ClientAuth:   clientAuth,
	}
}

// FailingConfig builds a tls.Config whose handshake always fails with a
// genuine alert: the certificate callback errors before a certificate
// is ever offered to the client.
func FailingConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return nil, ErrHandshakeRefused
		},
	}
}

// ParseClientAuth parses a client certificate mode name.
// Valid values: "none", "request", "require", "verify-if-given",
// "require-and-verify".
func ParseClientAuth(s string) (tls.ClientAuthType, error) {
	switch s {
	case "none", "":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "require":
		return tls.RequireAnyClientCert, nil
	case "verify-if-given":
		return tls.VerifyClientCertIfGiven, nil
	case "require-and-verify":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("invalid clientAuth mode: %s", s)
	}
}

// Pool builds a certificate pool from the given certificates, handy for
// configuring test clients to trust a generated server certificate.
func Pool(certs ...*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}
