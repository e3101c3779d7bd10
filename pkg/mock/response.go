package mock

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/wirestub/wirestub/pkg/transfer"
)

// StreamHandler takes over an exchange's body streams for duplex
// scenarios. r carries bytes from the client, w writes bytes back.
// Returning an error tears the connection down.
type StreamHandler func(r io.Reader, w io.Writer) error

// Response is a canned reply template. Construct with NewResponse or a
// struct literal; the engine consumes it read-only.
type Response struct {
	// Status is the full status line, e.g. "HTTP/1.1 200 OK".
	Status string

	// Headers are written verbatim in insertion order.
	Headers Headers

	// Trailers are written after the terminal chunk when the response
	// uses chunked transfer encoding, and as a trailing HEADERS frame
	// on HTTP/2.
	Trailers Headers

	// Body is the finite response body. Ignored when Duplex is set.
	Body []byte

	// Duplex, when set, bypasses normal body framing: the handler gets
	// the exchange's raw streams after the headers are written.
	Duplex StreamHandler

	// SocketPolicy is the fault to inject while serving this response.
	SocketPolicy SocketPolicy

	// Throttle bounds body transfer speed in both directions.
	Throttle transfer.Policy

	// HeadersDelay is slept before the status line is written.
	HeadersDelay time.Duration

	// BodyDelay is slept between the headers and the body.
	BodyDelay time.Duration

	// HTTP2ErrorCode is the RST_STREAM error code used by
	// PolicyResetStreamAtStart.
	HTTP2ErrorCode uint32

	// Settings are advertised to the client in the server's SETTINGS
	// frame when this response is peeked at HTTP/2 session start.
	Settings []http2.Setting

	// PushPromises are emitted as synthetic streams before the main
	// body on HTTP/2.
	PushPromises []PushPromise

	// WebSocketUpgrade marks a 101 response whose writer answers the
	// client's Sec-WebSocket-Key. Bytes after the handshake belong to
	// Duplex.
	WebSocketUpgrade bool
}

// PushPromise is a request/response pair pushed proactively on HTTP/2.
type PushPromise struct {
	Method   string
	Path     string
	Headers  Headers
	Response *Response
}

// NewResponse returns an empty 200 response with Content-Length: 0.
func NewResponse() *Response {
	return &Response{
		Status:  "HTTP/1.1 200 OK",
		Headers: NewHeaders("Content-Length", "0"),
	}
}

// NewWebSocketUpgrade returns a 101 Switching Protocols response that
// completes a WebSocket handshake. The handler, if non-nil, receives
// the raw connection streams once the handshake is written.
func NewWebSocketUpgrade(handler StreamHandler) *Response {
	return &Response{
		Status:           "HTTP/1.1 101 Switching Protocols",
		Headers:          NewHeaders("Connection", "Upgrade", "Upgrade", "websocket"),
		Duplex:           handler,
		WebSocketUpgrade: true,
	}
}

// SetStatus replaces the full status line.
func (r *Response) SetStatus(line string) *Response {
	r.Status = line
	return r
}

// SetStatusCode sets the status line from a code, using the standard
// reason phrase when one exists.
func (r *Response) SetStatusCode(code int) *Response {
	reason := http.StatusText(code)
	if reason == "" {
		reason = "Mock Response"
	}
	r.Status = fmt.Sprintf("HTTP/1.1 %d %s", code, reason)
	return r
}

// StatusCode parses the numeric code out of the status line, or 0.
func (r *Response) StatusCode() int {
	var version string
	var code int
	if _, err := fmt.Sscanf(r.Status, "%s %d", &version, &code); err != nil {
		return 0
	}
	return code
}

// SetBody sets a finite body and the matching Content-Length header.
func (r *Response) SetBody(body string) *Response {
	return r.SetBodyBytes([]byte(body))
}

// SetBodyBytes sets a finite body and the matching Content-Length
// header.
func (r *Response) SetBodyBytes(body []byte) *Response {
	r.Body = body
	r.Headers.Set("Content-Length", strconv.Itoa(len(body)))
	return r
}

// SetChunkedBody replaces the body with a chunked-encoded form using
// chunks of at most maxChunkSize bytes, and swaps Content-Length for
// Transfer-Encoding: chunked. The framed body ends with the terminal
// zero chunk; the writer appends the trailer section.
func (r *Response) SetChunkedBody(body string, maxChunkSize int) *Response {
	if maxChunkSize <= 0 {
		maxChunkSize = len(body)
	}

	var buf bytes.Buffer
	for rest := body; len(rest) > 0; {
		n := min(len(rest), maxChunkSize)
		fmt.Fprintf(&buf, "%x\r\n", n)
		buf.WriteString(rest[:n])
		buf.WriteString("\r\n")
		rest = rest[n:]
	}
	buf.WriteString("0\r\n")

	r.Body = buf.Bytes()
	r.Headers.Del("Content-Length")
	r.Headers.Set("Transfer-Encoding", "chunked")
	return r
}

// AddHeader appends a header field, keeping duplicates.
func (r *Response) AddHeader(name, value string) *Response {
	r.Headers.Add(name, value)
	return r
}

// SetHeader replaces all fields of the given name with one value.
func (r *Response) SetHeader(name, value string) *Response {
	r.Headers.Set(name, value)
	return r
}

// ClearHeaders removes every header field.
func (r *Response) ClearHeaders() *Response {
	r.Headers = Headers{}
	return r
}

// AddTrailer appends a trailer field.
func (r *Response) AddTrailer(name, value string) *Response {
	r.Trailers.Add(name, value)
	return r
}

// SetSocketPolicy selects the fault to inject for this response.
func (r *Response) SetSocketPolicy(p SocketPolicy) *Response {
	r.SocketPolicy = p
	return r
}

// SetThrottle bounds body transfer to bytesPerPeriod bytes per period.
func (r *Response) SetThrottle(bytesPerPeriod int64, period time.Duration) *Response {
	r.Throttle = transfer.Policy{BytesPerPeriod: bytesPerPeriod, Period: period}
	return r
}

// SetHeadersDelay delays the status line by d.
func (r *Response) SetHeadersDelay(d time.Duration) *Response {
	r.HeadersDelay = d
	return r
}

// SetBodyDelay delays the body by d after the headers are written.
func (r *Response) SetBodyDelay(d time.Duration) *Response {
	r.BodyDelay = d
	return r
}

// SetHTTP2ErrorCode sets the RST_STREAM code for
// PolicyResetStreamAtStart.
func (r *Response) SetHTTP2ErrorCode(code uint32) *Response {
	r.HTTP2ErrorCode = code
	return r
}

// AddPushPromise appends a promise pushed before the main body on
// HTTP/2.
func (r *Response) AddPushPromise(p PushPromise) *Response {
	r.PushPromises = append(r.PushPromises, p)
	return r
}

// AddSetting appends an HTTP/2 setting advertised with this response.
func (r *Response) AddSetting(s http2.Setting) *Response {
	r.Settings = append(r.Settings, s)
	return r
}

// Clone returns a deep copy so later mutation by the caller cannot
// corrupt an in-flight response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = r.Headers.Clone()
	out.Trailers = r.Trailers.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if r.Settings != nil {
		out.Settings = append([]http2.Setting(nil), r.Settings...)
	}
	if r.PushPromises != nil {
		out.PushPromises = make([]PushPromise, len(r.PushPromises))
		for i, p := range r.PushPromises {
			out.PushPromises[i] = PushPromise{
				Method:   p.Method,
				Path:     p.Path,
				Headers:  p.Headers.Clone(),
				Response: p.Response.Clone(),
			}
		}
	}
	return &out
}
