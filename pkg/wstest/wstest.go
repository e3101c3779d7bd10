package wstest

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/wirestub/wirestub/pkg/engine"
	"github.com/wirestub/wirestub/pkg/mock"
	"github.com/wirestub/wirestub/pkg/tlsutil"
)

// takeWait bounds how long TakeRequest blocks before failing the test.
const takeWait = 5 * time.Second

// Server wraps engine.Server with a test-friendly lifecycle: enqueue
// responses, start, make calls, then take recorded requests in wire
// order. The server shuts down automatically when the test completes.
type Server struct {
	t   testing.TB
	srv *engine.Server

	secured bool
	h2      bool
	pool    *x509.CertPool
	started bool
	baseURL string
}

// New creates an unstarted test server with an empty response queue.
func New(t testing.TB) *Server {
	t.Helper()
	return &Server{
		t:   t,
		srv: engine.NewServer(),
	}
}

// UseTLS switches the server to TLS with a generated certificate.
// protocols optionally sets the ALPN preference list ("h2",
// "http/1.1"); by default TLS connections stay on HTTP/1.1.
func (s *Server) UseTLS(protocols ...string) {
	s.t.Helper()

	gen, err := s.srv.UseTLS()
	if err != nil {
		s.t.Fatalf("enabling TLS: %v", err)
	}
	s.pool = tlsutil.Pool(gen.Certificate)
	s.secured = true

	if len(protocols) > 0 {
		if err := s.srv.SetProtocols(protocols); err != nil {
			s.t.Fatalf("setting protocols: %v", err)
		}
		for _, p := range protocols {
			if p == engine.ProtocolH2 {
				s.h2 = true
			}
		}
	}
}

// Enqueue appends a response to the server's FIFO script.
func (s *Server) Enqueue(r *mock.Response) {
	s.t.Helper()
	if err := s.srv.Enqueue(r); err != nil {
		s.t.Fatalf("enqueuing response: %v", err)
	}
}

// Start begins serving on an OS-assigned port and returns the base URL
// without a trailing slash.
func (s *Server) Start() string {
	s.t.Helper()

	if s.started {
		return s.baseURL
	}
	if err := s.srv.Start(); err != nil {
		s.t.Fatalf("starting server: %v", err)
	}
	s.t.Cleanup(func() { _ = s.srv.Shutdown() })
	s.started = true
	s.baseURL = strings.TrimSuffix(s.srv.URL("/"), "/")
	return s.baseURL
}

// Stop shuts the server down before the test ends. Safe to call more
// than once.
func (s *Server) Stop() {
	s.t.Helper()
	_ = s.srv.Shutdown()
}

// URL derives a server URL for the given path once started.
func (s *Server) URL(path string) string {
	return s.srv.URL(path)
}

// Client returns an HTTP client able to reach the server: it trusts
// the generated certificate and speaks HTTP/2 when the server
// advertises it.
func (s *Server) Client() *http.Client {
	if !s.secured {
		return &http.Client{Timeout: takeWait}
	}

	cfg := &tls.Config{RootCAs: s.pool}
	var rt http.RoundTripper
	if s.h2 {
		rt = &http2.Transport{TLSClientConfig: cfg}
	} else {
		rt = &http.Transport{TLSClientConfig: cfg}
	}
	return &http.Client{Transport: rt, Timeout: takeWait}
}

// CertPool returns the pool trusting the generated certificate, for
// tests that dial raw TLS connections. Nil until UseTLS is called.
func (s *Server) CertPool() *x509.CertPool {
	return s.pool
}

// TakeRequest pops the next recorded request in wire order, failing
// the test if none arrives in time.
func (s *Server) TakeRequest() *mock.RecordedRequest {
	s.t.Helper()

	req, err := s.srv.TakeRequestTimeout(takeWait)
	if err != nil {
		s.t.Fatalf("waiting for a recorded request: %v", err)
	}
	return req
}

// RequestCount reports how many request attempts have been recorded.
func (s *Server) RequestCount() int {
	return s.srv.RequestCount()
}

// Server exposes the underlying engine server for advanced use. Most
// tests should not need this.
func (s *Server) Server() *engine.Server {
	return s.srv
}
