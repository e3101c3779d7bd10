package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/wirestub/wirestub/pkg/mock"
	"github.com/wirestub/wirestub/pkg/transfer"
)

const (
	// RFC 7540 initial values, adjusted by the peer's SETTINGS.
	initialWindowSize   = 65535
	defaultMaxFrameSize = 16384
	hpackTableSize      = 4096
)

var errStreamClosed = errors.New("stream closed")

// h2Session multiplexes one negotiated HTTP/2 connection. A single
// goroutine owns the read loop and the streams map; each completed
// stream is answered by its own goroutine, so writes and send-side
// flow control are the shared state.
type h2Session struct {
	c   *connection
	log *slog.Logger

	framer *http2.Framer

	// The framer and HPACK encoder are not concurrency-safe; every
	// frame write happens under writeMu, and header blocks must be
	// encoded and written in one critical section so the dynamic table
	// state reaches the wire in encode order.
	writeMu  sync.Mutex
	hbuf     bytes.Buffer
	henc     *hpack.Encoder
	promised uint32

	// Send-direction flow control, credited by the peer.
	flowMu       sync.Mutex
	flowCond     *sync.Cond
	connWindow   int64
	streamWindow map[uint32]int64
	initialWin   int64
	maxFrame     int
	closed       bool

	// streams holds inbound streams still accumulating frames. Only
	// the read loop touches it.
	streams map[uint32]*h2Stream

	// sequence continues the connection's per-request numbering;
	// atomic because stream handlers and pushes run concurrently.
	sequence atomic.Int64
}

func newH2Session(c *connection) *h2Session {
	s := &h2Session{
		c:            c,
		log:          c.log,
		connWindow:   initialWindowSize,
		streamWindow: make(map[uint32]int64),
		initialWin:   initialWindowSize,
		maxFrame:     defaultMaxFrameSize,
		streams:      make(map[uint32]*h2Stream),
	}
	s.flowCond = sync.NewCond(&s.flowMu)
	s.henc = hpack.NewEncoder(&s.hbuf)
	s.framer = http2.NewFramer(c.conn, c.reader)
	s.framer.ReadMetaHeaders = hpack.NewDecoder(hpackTableSize, nil)
	s.sequence.Store(int64(c.sequence))
	return s
}

func (s *h2Session) serve(ctx context.Context) error {
	if err := s.readPreface(); err != nil {
		return err
	}
	if err := s.advertiseSettings(s.c.peek().Settings); err != nil {
		return err
	}

	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			if isDisconnect(err) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			s.handleHeaders(ctx, f)
		case *http2.DataFrame:
			s.handleData(ctx, f)
		case *http2.SettingsFrame:
			if err := s.handleSettings(f); err != nil {
				return err
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				s.writeMu.Lock()
				err := s.framer.WritePing(true, f.Data)
				s.writeMu.Unlock()
				if err != nil {
					return fmt.Errorf("answering ping: %w", err)
				}
			}
		case *http2.WindowUpdateFrame:
			s.handleWindowUpdate(f)
		case *http2.RSTStreamFrame:
			s.handleReset(f)
		case *http2.GoAwayFrame:
			s.log.Debug("client sent goaway", "code", f.ErrCode.String())
			return nil
		default:
			// PRIORITY and friends don't affect the scripted exchange.
		}
	}
}

func (s *h2Session) readPreface() error {
	buf := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(s.c.reader, buf); err != nil {
		return fmt.Errorf("reading connection preface: %w", err)
	}
	if string(buf) != http2.ClientPreface {
		return fmt.Errorf("invalid connection preface %q", buf)
	}
	return nil
}

// advertiseSettings sends the server's SETTINGS frame that opens the
// session, carrying whatever the head of the script wants advertised.
func (s *h2Session) advertiseSettings(settings []http2.Setting) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.framer.WriteSettings(settings...); err != nil {
		return fmt.Errorf("writing server settings: %w", err)
	}
	return nil
}

func (s *h2Session) handleHeaders(ctx context.Context, f *http2.MetaHeadersFrame) {
	id := f.Header().StreamID

	// A second HEADERS frame on an open stream carries trailers.
	if st, open := s.streams[id]; open {
		for _, hf := range f.Fields {
			st.headers.Add(hf.Name, hf.Value)
		}
		if f.StreamEnded() {
			s.finishStream(ctx, st)
		}
		return
	}

	peeked := s.c.peek()
	if peeked.SocketPolicy == mock.PolicyResetStreamAtStart {
		s.recordBookkeeping()
		s.writeMu.Lock()
		_ = s.framer.WriteRSTStream(id, http2.ErrCode(peeked.HTTP2ErrorCode))
		s.writeMu.Unlock()
		return
	}

	st := newH2Stream(id, f.Fields, s.c.cfg.bodyLimit)
	s.streams[id] = st
	s.flowMu.Lock()
	s.streamWindow[id] = s.initialWin
	s.flowMu.Unlock()

	if f.StreamEnded() {
		s.finishStream(ctx, st)
	}
}

func (s *h2Session) handleData(ctx context.Context, f *http2.DataFrame) {
	id := f.Header().StreamID
	data := f.Data()
	st, open := s.streams[id]

	// Credit the sender immediately so large bodies never stall on the
	// inbound windows.
	if n := len(data); n > 0 {
		s.writeMu.Lock()
		_ = s.framer.WriteWindowUpdate(0, uint32(n))
		if open {
			_ = s.framer.WriteWindowUpdate(id, uint32(n))
		}
		s.writeMu.Unlock()
	}

	if !open {
		return // reset or never-opened stream
	}
	_, _ = st.body.Write(data)
	if f.StreamEnded() {
		s.finishStream(ctx, st)
	}
}

func (s *h2Session) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	s.flowMu.Lock()
	_ = f.ForeachSetting(func(st http2.Setting) error {
		switch st.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(st.Val) - s.initialWin
			s.initialWin = int64(st.Val)
			for id := range s.streamWindow {
				s.streamWindow[id] += delta
			}
		case http2.SettingMaxFrameSize:
			s.maxFrame = int(st.Val)
		}
		return nil
	})
	s.flowCond.Broadcast()
	s.flowMu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.framer.WriteSettingsAck(); err != nil {
		return fmt.Errorf("acknowledging settings: %w", err)
	}
	return nil
}

func (s *h2Session) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	s.flowMu.Lock()
	if id := f.Header().StreamID; id == 0 {
		s.connWindow += int64(f.Increment)
	} else if _, ok := s.streamWindow[id]; ok {
		s.streamWindow[id] += int64(f.Increment)
	}
	s.flowCond.Broadcast()
	s.flowMu.Unlock()
}

func (s *h2Session) handleReset(f *http2.RSTStreamFrame) {
	id := f.Header().StreamID
	s.log.Debug("client reset stream", "stream", id, "code", f.ErrCode.String())
	delete(s.streams, id)
	s.flowMu.Lock()
	delete(s.streamWindow, id)
	s.flowCond.Broadcast()
	s.flowMu.Unlock()
}

// finishStream hands a fully received stream to its own goroutine so a
// blocking dispatch cannot stall the session's read loop.
func (s *h2Session) finishStream(ctx context.Context, st *h2Stream) {
	delete(s.streams, st.id)
	s.c.srv.wg.Add(1)
	go func() {
		defer s.c.srv.wg.Done()
		defer func() {
			s.flowMu.Lock()
			delete(s.streamWindow, st.id)
			s.flowMu.Unlock()
		}()
		if err := s.handleStream(ctx, st); err != nil && !isDisconnect(err) {
			s.log.Warn("stream ended abnormally", "stream", st.id, "error", err)
		}
	}()
}

func (s *h2Session) handleStream(ctx context.Context, st *h2Stream) error {
	req := s.newRecord()
	req.RequestLine = st.method + " " + st.path + " HTTP/2"
	req.Method = st.method
	req.Path = st.path
	req.Headers = st.headers
	req.Body = st.body.bytes()
	req.BodySize = st.body.total
	s.c.srv.recordRequest(req)

	resp, err := s.c.srv.Dispatcher().Dispatch(req)
	if err != nil {
		return fmt.Errorf("dispatching %q: %w", req.RequestLine, err)
	}

	switch resp.SocketPolicy {
	case mock.PolicyDisconnectAfterRequest:
		s.close()
		return nil
	case mock.PolicyNoResponse:
		// The stream stays open and unanswered.
		return nil
	}

	if err := s.writeResponse(ctx, st.id, req, resp); err != nil {
		if errors.Is(err, transfer.ErrDisconnected) || errors.Is(err, errStreamClosed) {
			return nil
		}
		return err
	}

	s.log.Debug("served stream",
		"stream", st.id,
		"line", req.RequestLine,
		"status", resp.Status,
		"policy", resp.SocketPolicy.String())

	if resp.SocketPolicy == mock.PolicyDisconnectAtEnd {
		s.writeMu.Lock()
		_ = s.framer.WriteGoAway(st.id, http2.ErrCodeNo, nil)
		s.writeMu.Unlock()
		s.close()
	}
	return nil
}

// writeResponse answers one stream: optional SETTINGS, HEADERS with the
// :status pseudo-header, push promises, throttled DATA, then trailers
// or an empty END_STREAM frame.
func (s *h2Session) writeResponse(ctx context.Context, streamID uint32, req *mock.RecordedRequest, resp *mock.Response) error {
	if len(resp.Settings) > 0 {
		if err := s.advertiseSettings(resp.Settings); err != nil {
			return err
		}
	}

	if resp.HeadersDelay > 0 {
		if err := sleepCtx(ctx, resp.HeadersDelay); err != nil {
			return err
		}
	}

	fields := make([]hpack.HeaderField, 0, resp.Headers.Len()+1)
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: statusCodeToken(resp.Status)})
	for _, e := range resp.Headers.Entries() {
		fields = append(fields, hpack.HeaderField{Name: strings.ToLower(e.Name), Value: e.Value})
	}

	hasBody := len(resp.Body) > 0 || resp.Duplex != nil
	endStream := !hasBody && resp.Trailers.Len() == 0 && len(resp.PushPromises) == 0
	if err := s.writeHeaders(streamID, fields, endStream); err != nil {
		return fmt.Errorf("writing response headers: %w", err)
	}
	if endStream {
		return nil
	}

	for i := range resp.PushPromises {
		p := &resp.PushPromises[i]
		if err := s.push(ctx, streamID, p); err != nil {
			return fmt.Errorf("pushing %s: %w", p.Path, err)
		}
	}

	if resp.Duplex != nil {
		w := &h2DataWriter{s: s, streamID: streamID}
		if err := resp.Duplex(bytes.NewReader(req.Body), w); err != nil {
			return fmt.Errorf("duplex handler: %w", err)
		}
	} else if len(resp.Body) > 0 {
		if resp.BodyDelay > 0 {
			if err := sleepCtx(ctx, resp.BodyDelay); err != nil {
				return err
			}
		}
		w := &h2DataWriter{s: s, streamID: streamID}
		opts := transfer.Options{
			Policy:            resp.Throttle,
			DisconnectHalfway: resp.SocketPolicy == mock.PolicyDisconnectDuringResponseBody,
			Close:             s.c.conn.Close,
		}
		if _, err := transfer.Copy(ctx, w, bytes.NewReader(resp.Body), int64(len(resp.Body)), opts); err != nil {
			return err
		}
	}

	if resp.Trailers.Len() > 0 {
		trailers := make([]hpack.HeaderField, 0, resp.Trailers.Len())
		for _, e := range resp.Trailers.Entries() {
			trailers = append(trailers, hpack.HeaderField{Name: strings.ToLower(e.Name), Value: e.Value})
		}
		return s.writeHeaders(streamID, trailers, true)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.framer.WriteData(streamID, true, nil)
}

// push emits one promised stream: the PUSH_PROMISE frame on the
// associated stream, a synthetic recorded request, then the pushed
// response on the reserved even stream id.
func (s *h2Session) push(ctx context.Context, assocStreamID uint32, p *mock.PushPromise) error {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: p.Method},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: fmt.Sprintf("127.0.0.1:%d", s.c.srv.Port())},
		{Name: ":path", Value: p.Path},
	}
	for _, e := range p.Headers.Entries() {
		fields = append(fields, hpack.HeaderField{Name: strings.ToLower(e.Name), Value: e.Value})
	}

	// Promised ids are allocated and written in one critical section so
	// they reach the wire in increasing order.
	s.writeMu.Lock()
	s.promised += 2
	promisedID := s.promised
	s.flowMu.Lock()
	s.streamWindow[promisedID] = s.initialWin
	s.flowMu.Unlock()
	err := s.framer.WritePushPromise(http2.PushPromiseParam{
		StreamID:      assocStreamID,
		PromiseID:     promisedID,
		BlockFragment: s.encodeHeaders(fields),
		EndHeaders:    true,
	})
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("writing push promise: %w", err)
	}

	req := s.newRecord()
	req.RequestLine = p.Method + " " + p.Path + " HTTP/2"
	req.Method = p.Method
	req.Path = p.Path
	req.Headers = p.Headers.Clone()
	s.c.srv.recordRequest(req)

	defer func() {
		s.flowMu.Lock()
		delete(s.streamWindow, promisedID)
		s.flowMu.Unlock()
	}()
	return s.writeResponse(ctx, promisedID, req, p.Response)
}

func (s *h2Session) writeHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: s.encodeHeaders(fields),
		EndHeaders:    true,
		EndStream:     endStream,
	})
}

// encodeHeaders must be called with writeMu held.
func (s *h2Session) encodeHeaders(fields []hpack.HeaderField) []byte {
	s.hbuf.Reset()
	for _, f := range fields {
		_ = s.henc.WriteField(f)
	}
	return s.hbuf.Bytes()
}

// takeFlow blocks until send window is available on both the connection
// and the stream, then claims up to want bytes, bounded by the peer's
// maximum frame size.
func (s *h2Session) takeFlow(streamID uint32, want int) (int, error) {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	for {
		if s.closed {
			return 0, errStreamClosed
		}
		stream, ok := s.streamWindow[streamID]
		if !ok {
			return 0, fmt.Errorf("%w: stream %d", errStreamClosed, streamID)
		}
		if avail := min(s.connWindow, stream); avail > 0 {
			n := min(int64(want), avail, int64(s.maxFrame))
			s.connWindow -= n
			s.streamWindow[streamID] -= n
			return int(n), nil
		}
		s.flowCond.Wait()
	}
}

// close tears the whole session down and wakes every writer blocked on
// flow control.
func (s *h2Session) close() {
	s.flowMu.Lock()
	if s.closed {
		s.flowMu.Unlock()
		return
	}
	s.closed = true
	s.flowCond.Broadcast()
	s.flowMu.Unlock()
	_ = s.c.conn.Close()
}

// recordBookkeeping records a stream-level event with no request text
// and consumes the script head that announced it.
func (s *h2Session) recordBookkeeping() {
	req := s.newRecord()
	s.c.srv.recordRequest(req)
	_, _ = s.c.srv.Dispatcher().Dispatch(req)
}

func (s *h2Session) newRecord() *mock.RecordedRequest {
	return &mock.RecordedRequest{
		Sequence:     int(s.sequence.Add(1) - 1),
		ConnectionID: s.c.id,
		RemoteAddr:   s.c.raw.RemoteAddr(),
		TLS:          s.c.tlsState,
	}
}

// h2Stream accumulates one inbound stream until END_STREAM.
type h2Stream struct {
	id      uint32
	method  string
	path    string
	headers mock.Headers
	body    *truncatingWriter
}

// newH2Stream folds decoded header fields into the shared request
// model: :method and :path become the method/path fields, remaining
// fields are recorded in arrival order.
func newH2Stream(id uint32, fields []hpack.HeaderField, bodyLimit int64) *h2Stream {
	st := &h2Stream{id: id, body: &truncatingWriter{limit: bodyLimit}}
	for _, f := range fields {
		switch f.Name {
		case ":method":
			st.method = f.Value
		case ":path":
			st.path = f.Value
		default:
			st.headers.Add(f.Name, f.Value)
		}
	}
	return st
}

// h2DataWriter frames body bytes into DATA frames for one stream,
// blocking on send flow control. END_STREAM travels separately.
type h2DataWriter struct {
	s        *h2Session
	streamID uint32
}

func (w *h2DataWriter) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.s.takeFlow(w.streamID, len(p)-total)
		if err != nil {
			return total, err
		}
		w.s.writeMu.Lock()
		err = w.s.framer.WriteData(w.streamID, false, p[total:total+n])
		w.s.writeMu.Unlock()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// statusCodeToken extracts the numeric code from an HTTP/1-style status
// line for the :status pseudo-header.
func statusCodeToken(status string) string {
	parts := strings.SplitN(status, " ", 3)
	if len(parts) < 2 || parts[1] == "" {
		return "200"
	}
	return parts[1]
}
