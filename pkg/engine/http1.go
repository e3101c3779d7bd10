package engine

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/wirestub/wirestub/pkg/mock"
	"github.com/wirestub/wirestub/pkg/transfer"
)

// errNoRequest signals normal keep-alive termination: the client closed
// or stopped talking instead of sending another request line.
var errNoRequest = errors.New("no further request")

// processOneRequest serves one HTTP/1.1 request/response cycle and
// reports whether the socket can carry another.
func (c *connection) processOneRequest(ctx context.Context) (bool, error) {
	req, err := c.readRequest(ctx)
	if err != nil {
		if errors.Is(err, errNoRequest) {
			return false, nil
		}
		return false, err
	}

	c.sequence++
	c.srv.recordRequest(req)

	if req.Failure != nil {
		// Recorded for inspection, but there is nothing to respond to.
		c.log.Debug("request aborted mid-read", "line", req.RequestLine, "error", req.Failure)
		return false, nil
	}

	resp, err := c.srv.Dispatcher().Dispatch(req)
	if err != nil {
		return false, fmt.Errorf("dispatching %q: %w", req.RequestLine, err)
	}

	switch resp.SocketPolicy {
	case mock.PolicyDisconnectAfterRequest:
		_ = c.conn.Close()
		return false, nil
	case mock.PolicyNoResponse:
		// Nobody is going to write; this read parks until the client
		// gives up and closes. Bytes instead of EOF are a framing
		// error, recorded like any other.
		if _, err := c.reader.Peek(1); err != nil {
			return false, nil
		}
		failed := c.newRecord()
		failed.Failure = ErrUnexpectedBytes
		c.sequence++
		c.srv.recordRequest(failed)
		return false, ErrUnexpectedBytes
	}

	if err := c.writeResponse(ctx, req, resp); err != nil {
		if errors.Is(err, transfer.ErrDisconnected) {
			// Deliberate mid-body severance; the socket is gone.
			return false, nil
		}
		return false, err
	}

	c.log.Debug("served request",
		"line", req.RequestLine,
		"status", resp.Status,
		"policy", resp.SocketPolicy.String())

	switch resp.SocketPolicy {
	case mock.PolicyDisconnectAtEnd:
		_ = c.conn.Close()
		return false, nil
	case mock.PolicyShutdownInputAtEnd:
		c.shutdownInput()
	case mock.PolicyShutdownOutputAtEnd:
		c.shutdownOutput()
	}

	// A duplex handler owned the raw streams, so the framing state of
	// the socket is unknowable; never reuse it.
	return resp.Duplex == nil && !resp.WebSocketUpgrade, nil
}

// readRequest parses one request off the socket. A nil error with a
// non-nil Failure on the request means the read aborted abnormally: the
// request is still recorded but never dispatched. errNoRequest means
// the connection ended cleanly between requests.
func (c *connection) readRequest(ctx context.Context) (*mock.RecordedRequest, error) {
	line, err := c.readLine()
	if err != nil || line == "" {
		return nil, errNoRequest
	}

	req := c.newRecord()
	req.RequestLine = line
	if parts := strings.SplitN(line, " ", 3); len(parts) >= 2 {
		req.Method = parts[0]
		req.Path = parts[1]
	}

	contentLength := int64(-1)
	chunked := false
	expectContinue := false
	for {
		header, err := c.readLine()
		if err != nil {
			req.Failure = fmt.Errorf("reading header: %w", err)
			return req, nil
		}
		if header == "" {
			break
		}
		name, value, ok := strings.Cut(header, ":")
		if !ok {
			req.Failure = fmt.Errorf("malformed header line %q", header)
			return req, nil
		}
		value = strings.TrimSpace(value)
		req.Headers.Add(name, value)

		switch {
		case contentLength == -1 && strings.EqualFold(name, "Content-Length"):
			n, perr := strconv.ParseInt(value, 10, 64)
			if perr != nil {
				req.Failure = fmt.Errorf("bad content-length %q: %w", value, perr)
				return req, nil
			}
			contentLength = n
		case strings.EqualFold(name, "Transfer-Encoding") && strings.EqualFold(value, "chunked"):
			chunked = true
		case strings.EqualFold(name, "Expect") && strings.EqualFold(value, "100-continue"):
			expectContinue = true
		}
	}

	peeked := c.peek()
	policy := peeked.SocketPolicy
	if (expectContinue && policy == mock.PolicyExpectContinue) || policy == mock.PolicyContinueAlways {
		if err := c.writeContinue(); err != nil {
			req.Failure = fmt.Errorf("writing interim response: %w", err)
			return req, nil
		}
	}

	hasBody := false
	body := &truncatingWriter{limit: c.cfg.bodyLimit}
	switch {
	case contentLength != -1:
		hasBody = contentLength > 0
		if err := c.readBody(ctx, peeked, body, contentLength); err != nil {
			req.Failure = err
		}
	case chunked:
		hasBody = true
		if err := c.readChunkedBody(ctx, peeked, body, req); err != nil {
			req.Failure = err
		}
	}
	req.Body = body.bytes()
	req.BodySize = body.total

	if req.Failure == nil && hasBody && !methodPermitsBody(req.Method) {
		req.Failure = fmt.Errorf("%s request must not carry a body", req.Method)
	}
	return req, nil
}

// readBody ingests exactly n body bytes under the peeked throttle and
// disconnect policy. End-of-source short of n is a normal short body.
func (c *connection) readBody(ctx context.Context, peeked *mock.Response, body io.Writer, n int64) error {
	opts := transfer.Options{
		Policy:            peeked.Throttle,
		DisconnectHalfway: peeked.SocketPolicy == mock.PolicyDisconnectDuringRequestBody,
		Close:             c.conn.Close,
	}
	moved, err := transfer.Copy(ctx, body, c.reader, n, opts)
	if err != nil {
		return fmt.Errorf("reading body after %d of %d bytes: %w", moved, n, err)
	}
	return nil
}

func (c *connection) readChunkedBody(ctx context.Context, peeked *mock.Response, body io.Writer, req *mock.RecordedRequest) error {
	for {
		line, err := c.readLine()
		if err != nil {
			return fmt.Errorf("reading chunk size: %w", err)
		}
		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 32)
		if err != nil {
			return fmt.Errorf("expected hex chunk size, got %q: %w", line, err)
		}
		if size == 0 {
			return c.readEmptyLine()
		}
		req.ChunkSizes = append(req.ChunkSizes, int(size))
		if err := c.readBody(ctx, peeked, body, size); err != nil {
			return err
		}
		if err := c.readEmptyLine(); err != nil {
			return err
		}
	}
}

// readLine reads one CRLF-terminated line, tolerating a bare LF.
func (c *connection) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *connection) readEmptyLine() error {
	line, err := c.readLine()
	if err != nil {
		return fmt.Errorf("reading chunk terminator: %w", err)
	}
	if line != "" {
		return fmt.Errorf("expected empty line, got %q", line)
	}
	return nil
}

func (c *connection) writeContinue() error {
	if _, err := io.WriteString(c.writer, "HTTP/1.1 100 Continue\r\nContent-Length: 0\r\n\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// writeResponse emits status line, headers verbatim, then the body via
// the throttled transfer, honoring the response's delays. Trailers
// terminate a chunked body. Duplex responses hand the raw streams to
// the handler after the head is written.
func (c *connection) writeResponse(ctx context.Context, req *mock.RecordedRequest, resp *mock.Response) error {
	if resp.HeadersDelay > 0 {
		if err := sleepCtx(ctx, resp.HeadersDelay); err != nil {
			return err
		}
	}

	headers := resp.Headers
	if resp.WebSocketUpgrade {
		if key := req.Header("Sec-WebSocket-Key"); key != "" {
			headers = headers.Clone()
			headers.Set("Sec-WebSocket-Accept", websocketAccept(key))
		}
	}

	if _, err := fmt.Fprintf(c.writer, "%s\r\n%s\r\n", resp.Status, headers); err != nil {
		return fmt.Errorf("writing response head: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flushing response head: %w", err)
	}

	if resp.Duplex != nil {
		if err := resp.Duplex(c.reader, c.conn); err != nil {
			return fmt.Errorf("duplex handler: %w", err)
		}
		return nil
	}
	if resp.Body == nil {
		return nil
	}

	if resp.BodyDelay > 0 {
		if err := sleepCtx(ctx, resp.BodyDelay); err != nil {
			return err
		}
	}
	opts := transfer.Options{
		Policy:            resp.Throttle,
		DisconnectHalfway: resp.SocketPolicy == mock.PolicyDisconnectDuringResponseBody,
		Close:             c.conn.Close,
	}
	moved, err := transfer.Copy(ctx, c.writer, bytes.NewReader(resp.Body), int64(len(resp.Body)), opts)
	if err != nil {
		if errors.Is(err, transfer.ErrDisconnected) {
			return err
		}
		return fmt.Errorf("writing body after %d of %d bytes: %w", moved, len(resp.Body), err)
	}

	if strings.EqualFold(resp.Headers.Get("Transfer-Encoding"), "chunked") {
		// The trailer section terminates a chunked body even when no
		// trailers were set.
		if _, err := fmt.Fprintf(c.writer, "%s\r\n", resp.Trailers); err != nil {
			return fmt.Errorf("writing trailers: %w", err)
		}
	}
	return c.writer.Flush()
}

// websocketGUID is the fixed key-hashing constant from RFC 6455.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func websocketAccept(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// methodPermitsBody reports whether the method conventionally allows a
// request body. One that forbids it but received one anyway is a
// protocol failure.
func methodPermitsBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodConnect:
		return false
	}
	return true
}
