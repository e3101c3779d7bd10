package mock

import (
	"crypto/tls"
	"net"

	"github.com/google/uuid"
)

// RecordedRequest is an observation of one request attempt as it
// arrived on the wire. It is created once per attempt, including failed
// ones, pushed to the observation queue the instant it is known, and
// immutable thereafter.
type RecordedRequest struct {
	// RequestLine is the raw first line, e.g. "GET /robots.txt HTTP/1.1".
	// Empty for bookkeeping records where no request text could be
	// read (accept-time disconnects, handshake failures, stream
	// resets).
	RequestLine string

	// Method and Path are parsed from the request line.
	Method string
	Path   string

	// Headers preserve wire order and duplicates.
	Headers Headers

	// Body holds the bytes actually retained, subject to the server's
	// body cap.
	Body []byte

	// BodySize is the true total body size, even when Body was
	// truncated by the cap.
	BodySize int64

	// ChunkSizes lists the literal chunk sizes seen, nil if the body
	// was not chunked.
	ChunkSizes []int

	// Sequence is the 0-based index of this request within its
	// connection.
	Sequence int

	// ConnectionID identifies the physical connection the request
	// arrived on.
	ConnectionID uuid.UUID

	// RemoteAddr is the client's address.
	RemoteAddr net.Addr

	// TLS summarizes the handshake, present iff the connection was
	// secured.
	TLS *tls.ConnectionState

	// Failure is non-nil iff the header or body read aborted
	// abnormally. A failed request is recorded and queued but never
	// dispatched.
	Failure error
}

// Header returns the first value of the named header, or "".
func (r *RecordedRequest) Header(name string) string {
	return r.Headers.Get(name)
}

// Bookkeeping reports whether this record marks a connection-level
// event rather than request text read off the wire.
func (r *RecordedRequest) Bookkeeping() bool {
	return r.RequestLine == ""
}

// BodyText returns the retained body as a string.
func (r *RecordedRequest) BodyText() string {
	return string(r.Body)
}
