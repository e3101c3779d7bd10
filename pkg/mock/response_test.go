package mock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestNewResponseDefaults(t *testing.T) {
	t.Parallel()

	r := NewResponse()
	assert.Equal(t, "HTTP/1.1 200 OK", r.Status)
	assert.Equal(t, "0", r.Headers.Get("Content-Length"))
	assert.Empty(t, r.Body)
	assert.Equal(t, PolicyKeepOpen, r.SocketPolicy)
}

func TestSetStatusCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "HTTP/1.1 404 Not Found", NewResponse().SetStatusCode(404).Status)
	assert.Equal(t, "HTTP/1.1 599 Mock Response", NewResponse().SetStatusCode(599).Status)
}

func TestStatusCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 503, NewResponse().SetStatusCode(503).StatusCode())
	assert.Equal(t, 0, (&Response{Status: "garbage"}).StatusCode())
}

func TestSetBodySetsContentLength(t *testing.T) {
	t.Parallel()

	r := NewResponse().SetBody("hello")
	assert.Equal(t, []byte("hello"), r.Body)
	assert.Equal(t, "5", r.Headers.Get("Content-Length"))
}

func TestSetChunkedBody(t *testing.T) {
	t.Parallel()

	r := NewResponse().SetChunkedBody("hello, world", 5)

	want := "5\r\nhello\r\n5\r\n, wor\r\n2\r\nld\r\n0\r\n"
	assert.Equal(t, want, string(r.Body))
	assert.Equal(t, "chunked", r.Headers.Get("Transfer-Encoding"))
	assert.False(t, r.Headers.Has("Content-Length"))
}

func TestSetChunkedBodyEmpty(t *testing.T) {
	t.Parallel()

	r := NewResponse().SetChunkedBody("", 5)
	assert.Equal(t, "0\r\n", string(r.Body))
}

func TestSetThrottle(t *testing.T) {
	t.Parallel()

	r := NewResponse().SetThrottle(3, 500*time.Millisecond)
	assert.Equal(t, int64(3), r.Throttle.BytesPerPeriod)
	assert.Equal(t, 500*time.Millisecond, r.Throttle.Period)
	assert.True(t, r.Throttle.Limited())
}

func TestNewWebSocketUpgrade(t *testing.T) {
	t.Parallel()

	r := NewWebSocketUpgrade(nil)
	assert.Equal(t, "HTTP/1.1 101 Switching Protocols", r.Status)
	assert.Equal(t, "Upgrade", r.Headers.Get("Connection"))
	assert.Equal(t, "websocket", r.Headers.Get("Upgrade"))
	assert.True(t, r.WebSocketUpgrade)
	assert.False(t, r.Headers.Has("Content-Length"))
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := NewResponse().
		SetBody("payload").
		AddHeader("X-Extra", "1").
		AddTrailer("X-Trailer", "t").
		AddSetting(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 2}).
		AddPushPromise(PushPromise{
			Method:   "GET",
			Path:     "/pushed",
			Response: NewResponse().SetBody("pushed"),
		})

	clone := orig.Clone()
	require.NotNil(t, clone)

	orig.Headers.Set("X-Extra", "changed")
	orig.Body[0] = 'X'
	orig.PushPromises[0].Response.Body[0] = 'X'
	orig.Settings[0].Val = 99

	assert.Equal(t, "1", clone.Headers.Get("X-Extra"))
	assert.Equal(t, []byte("payload"), clone.Body)
	assert.Equal(t, []byte("pushed"), clone.PushPromises[0].Response.Body)
	assert.Equal(t, uint32(2), clone.Settings[0].Val)
	assert.Equal(t, "t", clone.Trailers.Get("X-Trailer"))
}

func TestCloneNil(t *testing.T) {
	t.Parallel()

	var r *Response
	assert.Nil(t, r.Clone())
}
