package engine

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wirestub/wirestub/pkg/dispatch"
	"github.com/wirestub/wirestub/pkg/mock"
	"github.com/wirestub/wirestub/pkg/tlsutil"
)

// connection owns one accepted socket for its whole life:
// ACCEPTED -> [TLS handshake] -> protocol selected -> request loop or
// HTTP/2 session -> closed.
type connection struct {
	srv *Server
	cfg connConfig
	id  uuid.UUID
	log *slog.Logger

	// raw is the accepted TCP socket; conn is the stream requests are
	// framed on, which becomes the tls.Conn after an upgrade.
	raw  net.Conn
	conn net.Conn

	reader *bufio.Reader
	writer *bufio.Writer

	tlsState *tls.ConnectionState

	// sequence is the 0-based index of the next request attempt on
	// this connection, counting bookkeeping records.
	sequence int
}

func newConnection(srv *Server, raw net.Conn) *connection {
	id := uuid.New()
	return &connection{
		srv:    srv,
		cfg:    srv.snapshotConfig(),
		id:     id,
		log:    srv.log.With("conn", id.String()[:8], "remote", raw.RemoteAddr().String()),
		raw:    raw,
		conn:   raw,
		reader: bufio.NewReader(raw),
		writer: bufio.NewWriter(raw),
	}
}

func (c *connection) serve(ctx context.Context) error {
	// Several policies act before any bytes are read, so the head of
	// the script is consulted before a request can exist.
	switch c.peek().SocketPolicy {
	case mock.PolicyDisconnectAtStart:
		c.dispatchBookkeeping()
		return nil
	case mock.PolicyStallSocketAtStart:
		c.dispatchBookkeeping()
		<-ctx.Done()
		return nil
	}

	if c.cfg.cert != nil {
		proceed, err := c.upgradeToTLS(ctx)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}

	if c.protocol() == ProtocolH2 {
		sess := newH2Session(c)
		c.srv.sessions.Add(sess)
		defer c.srv.sessions.Remove(sess)
		err := sess.serve(ctx)
		c.sequence = int(sess.sequence.Load())
		return err
	}

	for {
		more, err := c.processOneRequest(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	if c.sequence == 0 {
		c.log.Warn("connection closed without a single request")
	}
	return nil
}

// upgradeToTLS wraps the socket in TLS, optionally serving an HTTP
// CONNECT tunnel first. It reports false when a deliberate handshake
// failure was injected and the connection is done.
func (c *connection) upgradeToTLS(ctx context.Context) (bool, error) {
	if c.cfg.tunnelProxy {
		if err := c.serveTunnel(ctx); err != nil {
			return false, err
		}
	}

	if c.peek().SocketPolicy == mock.PolicyFailHandshake {
		c.dispatchBookkeeping()
		c.failHandshake(ctx)
		return false, nil
	}

	var nextProtos []string
	if c.cfg.alpn {
		nextProtos = c.cfg.protocols
	}
	tlsConn := tls.Server(c.conn, tlsutil.ServerConfig(*c.cfg.cert, nextProtos, c.cfg.clientAuth))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return false, fmt.Errorf("tls handshake: %w", err)
	}

	state := tlsConn.ConnectionState()
	c.tlsState = &state
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.log = c.log.With("protocol", c.protocol())
	return true, nil
}

// serveTunnel loops plaintext request/response cycles until a response
// carries the upgrade-to-ssl-at-end policy, ending the CONNECT phase.
func (c *connection) serveTunnel(ctx context.Context) error {
	for {
		policy := c.peek().SocketPolicy
		more, err := c.processOneRequest(ctx)
		if err != nil {
			return fmt.Errorf("tunnel: %w", err)
		}
		if !more {
			return errors.New("tunnel closed before any CONNECT cycle")
		}
		if policy == mock.PolicyUpgradeToTLSAtEnd {
			return nil
		}
	}
}

// failHandshake performs a handshake that cannot succeed, so the client
// observes a genuine TLS failure rather than a bare disconnect.
func (c *connection) failHandshake(ctx context.Context) {
	tlsConn := tls.Server(c.conn, tlsutil.FailingConfig())
	_ = tlsConn.HandshakeContext(ctx)
	_ = tlsConn.Close()
}

// protocol returns the framing selected for this connection. Anything
// but a negotiated "h2" falls back to HTTP/1.1.
func (c *connection) protocol() string {
	if c.tlsState != nil && c.tlsState.NegotiatedProtocol == ProtocolH2 {
		return ProtocolH2
	}
	return ProtocolHTTP1
}

func (c *connection) peek() *mock.Response {
	if r := c.srv.Dispatcher().Peek(); r != nil {
		return r
	}
	return dispatch.Neutral()
}

// newRecord starts a request observation bound to this connection,
// claiming the next sequence slot.
func (c *connection) newRecord() *mock.RecordedRequest {
	return &mock.RecordedRequest{
		Sequence:     c.sequence,
		ConnectionID: c.id,
		RemoteAddr:   c.raw.RemoteAddr(),
		TLS:          c.tlsState,
	}
}

// dispatchBookkeeping records a connection-level event (no request text
// was read) and consumes the script head that announced it, keeping the
// response queue in sync.
func (c *connection) dispatchBookkeeping() {
	req := c.newRecord()
	c.sequence++
	c.srv.recordRequest(req)
	_, _ = c.srv.Dispatcher().Dispatch(req)
}

func (c *connection) shutdownInput() {
	if tc, ok := c.raw.(*net.TCPConn); ok {
		_ = tc.CloseRead()
	}
}

func (c *connection) shutdownOutput() {
	if tc, ok := c.conn.(*tls.Conn); ok {
		_ = tc.CloseWrite()
		return
	}
	if tc, ok := c.raw.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// truncatingWriter retains at most limit bytes while counting every
// byte written, preserving the true body size for reporting.
type truncatingWriter struct {
	limit int64
	total int64
	buf   bytes.Buffer
}

func (w *truncatingWriter) Write(p []byte) (int, error) {
	if keep := w.limit - w.total; keep > 0 {
		if int64(len(p)) < keep {
			keep = int64(len(p))
		}
		w.buf.Write(p[:keep])
	}
	w.total += int64(len(p))
	return len(p), nil
}

func (w *truncatingWriter) bytes() []byte {
	return w.buf.Bytes()
}

// isDisconnect reports whether err is the ordinary noise of a peer
// going away rather than something worth a warning.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
