// Package dispatch resolves recorded requests to scripted responses.
package dispatch

import (
	"github.com/wirestub/wirestub/pkg/mock"
)

// Dispatcher decides what to serve for each request.
type Dispatcher interface {
	// Dispatch returns the response for req. It may block, e.g. to
	// coordinate with a test that has not yet decided the response,
	// and is called once per successfully parsed request.
	Dispatch(req *mock.RecordedRequest) (*mock.Response, error)

	// Peek previews the next response without consuming or blocking.
	// The connection handler acts on its socket policy before a
	// request exists (handshake failures, accept-time disconnects).
	Peek() *mock.Response

	// Shutdown releases every goroutine blocked in Dispatch.
	Shutdown()
}

// Neutral returns the placeholder Peek result for dispatchers that
// cannot preview: keep the socket open, no special policy.
func Neutral() *mock.Response {
	return mock.NewResponse()
}
