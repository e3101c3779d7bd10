// Package engine implements the scriptable wire-level test server.
//
// A Server owns a listening TCP socket and serves each accepted
// connection on its own goroutine: it negotiates TLS and ALPN, frames
// HTTP/1.1 or HTTP/2 by hand, records every request attempt to an
// observation queue, and replays responses chosen by a
// dispatch.Dispatcher. Responses carry a mock.SocketPolicy directing
// the engine to misbehave on purpose, from refusing the TLS handshake
// to severing the socket halfway through a body, so HTTP clients can be
// tested against real wire behavior instead of mocked interfaces.
//
// The engine is deliberately not a general-purpose HTTP server. It has
// no routing, no virtual hosting, and it will happily emit protocol
// violations when a test asks for them.
package engine
