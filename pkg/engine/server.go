package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wirestub/wirestub/internal/queue"
	"github.com/wirestub/wirestub/internal/registry"
	"github.com/wirestub/wirestub/pkg/dispatch"
	"github.com/wirestub/wirestub/pkg/logging"
	"github.com/wirestub/wirestub/pkg/mock"
	"github.com/wirestub/wirestub/pkg/tlsutil"
)

// ALPN protocol tokens the server can negotiate.
const (
	ProtocolHTTP1 = "http/1.1"
	ProtocolH2    = "h2"
)

// Server is the scriptable wire server. Construct with NewServer,
// configure, then Start. A Server serves a single Start/Shutdown
// lifecycle.
type Server struct {
	log *slog.Logger

	mu         sync.RWMutex
	running    bool
	closed     bool
	listener   net.Listener
	port       int
	dispatcher dispatch.Dispatcher

	// Configuration, all guarded by mu. New connections snapshot it.
	protocols   []string
	cert        *tls.Certificate
	clientAuth  tls.ClientAuthType
	alpn        bool
	tunnelProxy bool
	bodyLimit   int64

	requests     *queue.Blocking[*mock.RecordedRequest]
	requestCount atomic.Int64

	// Live resources force-closed on shutdown.
	sockets  registry.Set[net.Conn]
	sessions registry.Set[*h2Session]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServerOption customizes a Server at construction time.
type ServerOption func(*Server)

// WithLogger sets the operational logger for the server.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDispatcher replaces the default QueueDispatcher.
func WithDispatcher(d dispatch.Dispatcher) ServerOption {
	return func(s *Server) {
		if d != nil {
			s.dispatcher = d
		}
	}
}

// WithBodyLimit caps how many request body bytes are retained per
// recorded request. Bytes past the cap are counted but discarded.
func WithBodyLimit(n int64) ServerOption {
	return func(s *Server) {
		s.bodyLimit = n
	}
}

// NewServer creates an unstarted server with a fresh QueueDispatcher,
// speaking plaintext HTTP/1.1 until configured otherwise.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		log:        logging.Nop(),
		dispatcher: dispatch.NewQueue(),
		protocols:  []string{ProtocolHTTP1},
		alpn:       true,
		bodyLimit:  math.MaxInt64,
		requests:   queue.New[*mock.RecordedRequest](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ===== Configuration =====

// SetDispatcher replaces the response-selection strategy. The previous
// dispatcher is not shut down; callers coordinating blocked dispatches
// should do that themselves.
func (s *Server) SetDispatcher(d dispatch.Dispatcher) error {
	if d == nil {
		return ErrNilDispatcher
	}
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
	return nil
}

// Dispatcher returns the current dispatcher.
func (s *Server) Dispatcher() dispatch.Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatcher
}

// SetProtocols sets the ordered ALPN protocol list offered during the
// TLS handshake. The list must include the "http/1.1" baseline; "h2"
// is optional. It applies to connections accepted after the call.
func (s *Server) SetProtocols(protocols []string) error {
	if !slices.Contains(protocols, ProtocolHTTP1) {
		return ErrMissingBaselineProtocol
	}
	s.mu.Lock()
	s.protocols = slices.Clone(protocols)
	s.mu.Unlock()
	return nil
}

// SetTLS serves TLS with the given certificate on connections accepted
// after the call.
func (s *Server) SetTLS(cert tls.Certificate) {
	s.mu.Lock()
	s.cert = &cert
	s.mu.Unlock()
}

// UseTLS generates a throwaway self-signed certificate and serves TLS
// with it. The generated material is returned so tests can trust it.
func (s *Server) UseTLS() (*tlsutil.GeneratedCertificate, error) {
	gen, err := tlsutil.GenerateSelfSignedCert(nil)
	if err != nil {
		return nil, fmt.Errorf("generating certificate: %w", err)
	}
	cert, err := gen.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("loading generated certificate: %w", err)
	}
	s.SetTLS(cert)
	return gen, nil
}

// SetClientAuth sets the client certificate mode for TLS handshakes.
func (s *Server) SetClientAuth(mode tls.ClientAuthType) {
	s.mu.Lock()
	s.clientAuth = mode
	s.mu.Unlock()
}

// SetProtocolNegotiation enables or disables ALPN while keeping TLS.
// With negotiation disabled every secured connection speaks HTTP/1.1.
func (s *Server) SetProtocolNegotiation(enabled bool) {
	s.mu.Lock()
	s.alpn = enabled
	s.mu.Unlock()
}

// SetTunnelProxy makes secured connections expect an HTTP CONNECT
// tunnel before the TLS handshake, simulating a proxy.
func (s *Server) SetTunnelProxy(enabled bool) {
	s.mu.Lock()
	s.tunnelProxy = enabled
	s.mu.Unlock()
}

// SetBodyLimit caps retained request body bytes. Bytes past the cap
// are counted toward the recorded total but discarded.
func (s *Server) SetBodyLimit(n int64) {
	s.mu.Lock()
	if n < 0 {
		n = 0
	}
	s.bodyLimit = n
	s.mu.Unlock()
}

// connConfig is the per-connection snapshot of the mutable settings.
type connConfig struct {
	protocols   []string
	cert        *tls.Certificate
	clientAuth  tls.ClientAuthType
	alpn        bool
	tunnelProxy bool
	bodyLimit   int64
}

func (s *Server) snapshotConfig() connConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return connConfig{
		protocols:   s.protocols,
		cert:        s.cert,
		clientAuth:  s.clientAuth,
		alpn:        s.alpn,
		tunnelProxy: s.tunnelProxy,
		bodyLimit:   s.bodyLimit,
	}
}

// ===== Lifecycle =====

// Start binds a loopback listener on an OS-assigned port and begins
// accepting connections.
func (s *Server) Start() error {
	return s.StartPort(0)
}

// StartPort binds a loopback listener on the given port (0 for an
// OS-assigned one) and begins accepting connections.
func (s *Server) StartPort(port int) error {
	return s.StartAddr(fmt.Sprintf("127.0.0.1:%d", port))
}

// StartAddr binds a listener on addr and begins accepting connections.
func (s *Server) StartAddr(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrStarted
	}
	if s.closed {
		return ErrShutdown
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.listener = ln
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("wire server started", "addr", ln.Addr().String(), "tls", s.cert != nil)
	return nil
}

// Shutdown closes the listener, force-closes every tracked socket and
// HTTP/2 session, and wakes every goroutine blocked in Dispatch.
// Calling Shutdown on a server that never started, or twice, is a
// no-op.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if !s.running {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.closed = true
	ln := s.listener
	cancel := s.cancel
	d := s.dispatcher
	s.mu.Unlock()

	// Closing the listener is the cancellation trigger: the accept
	// loop treats the resulting error as a clean stop signal.
	_ = ln.Close()
	cancel()

	s.sessions.Drain(func(sess *h2Session) { sess.close() })
	s.sockets.Drain(func(c net.Conn) { _ = c.Close() })

	d.Shutdown()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return errors.New("shutdown: connection tasks still running after 5s")
	}

	s.log.Info("wire server stopped", "requests", s.requestCount.Load())
	return nil
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Debug("listener closed, accept loop exiting")
			} else {
				s.log.Error("unexpected accept error", "error", err)
			}
			return
		}

		s.sockets.Add(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(raw net.Conn) {
	c := newConnection(s, raw)
	defer func() {
		s.sockets.Remove(raw)
		_ = raw.Close()
		c.log.Debug("connection closed", "requests", c.sequence)
	}()

	c.log.Debug("connection accepted")
	if err := c.serve(s.ctx); err != nil && !isDisconnect(err) {
		// Per-connection failures are isolated: log and let the task
		// exit without touching other connections or the accept loop.
		c.log.Warn("connection ended abnormally", "error", err)
	}
}

// recordRequest publishes a request observation the instant it is
// known, including failed and bookkeeping attempts.
func (s *Server) recordRequest(req *mock.RecordedRequest) {
	s.requestCount.Add(1)
	s.requests.Push(req)
}

// ===== Observation surface =====

// TakeRequest removes and returns the earliest unconsumed recorded
// request, blocking until one arrives or ctx is done.
func (s *Server) TakeRequest(ctx context.Context) (*mock.RecordedRequest, error) {
	return s.requests.Take(ctx)
}

// TakeRequestTimeout is TakeRequest with a bounded wait.
func (s *Server) TakeRequestTimeout(d time.Duration) (*mock.RecordedRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	req, err := s.requests.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("no request arrived within %v: %w", d, err)
	}
	return req, nil
}

// RequestCount reports how many request attempts have been recorded,
// including failed and bookkeeping ones.
func (s *Server) RequestCount() int {
	return int(s.requestCount.Load())
}

// Enqueue appends a response to the default QueueDispatcher's FIFO. It
// fails if the dispatcher has been replaced with a custom one.
func (s *Server) Enqueue(r *mock.Response) error {
	q, ok := s.Dispatcher().(*dispatch.QueueDispatcher)
	if !ok {
		return ErrNotQueueDispatcher
	}
	q.Enqueue(r)
	return nil
}

// ===== Address surface =====

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Addr returns the listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// URL derives a reachable URL for the given path once started.
func (s *Server) URL(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scheme := "http"
	if s.cert != nil {
		scheme = "https"
	}
	if len(path) == 0 || path[0] != '/' {
		path = "/" + path
	}
	return fmt.Sprintf("%s://127.0.0.1:%d%s", scheme, s.port, path)
}
