package engine

import "errors"

// Configuration and lifecycle errors. All are rejected synchronously,
// before any socket is touched.
var (
	// ErrStarted is returned by Start when the server is already
	// running.
	ErrStarted = errors.New("server already started")

	// ErrShutdown is returned by Start after Shutdown; a server serves
	// one lifecycle.
	ErrShutdown = errors.New("server has been shut down")

	// ErrMissingBaselineProtocol rejects an ALPN protocol list without
	// the mandatory "http/1.1" token.
	ErrMissingBaselineProtocol = errors.New(`protocol list must include "http/1.1"`)

	// ErrNilDispatcher rejects SetDispatcher(nil).
	ErrNilDispatcher = errors.New("dispatcher must not be nil")

	// ErrNotQueueDispatcher is returned by Enqueue when the queue
	// dispatcher has been replaced by a custom one.
	ErrNotQueueDispatcher = errors.New("current dispatcher is not a QueueDispatcher")

	// ErrUnexpectedBytes records a client that kept talking to a socket
	// the no-response policy had silenced.
	ErrUnexpectedBytes = errors.New("unexpected bytes on socket after no-response policy")
)
