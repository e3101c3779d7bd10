package dispatch

import (
	"context"
	"sync"

	"github.com/wirestub/wirestub/internal/queue"
	"github.com/wirestub/wirestub/pkg/mock"
)

// shutdownSentinel is pushed by Shutdown and re-enqueued by each
// consumer that observes it, so every blocked Dispatch caller wakes.
// In-flight connections serve it as a real 503.
var shutdownSentinel = &mock.Response{Status: "HTTP/1.1 503 shutting down"}

// QueueDispatcher serves responses from an unbounded FIFO: response i
// answers dispatched request i. Dispatch blocks on an empty queue
// unless a fail-fast response is configured.
type QueueDispatcher struct {
	responses *queue.Blocking[*mock.Response]

	mu       sync.RWMutex
	failFast *mock.Response
}

var _ Dispatcher = (*QueueDispatcher)(nil)

// NewQueue creates an empty QueueDispatcher.
func NewQueue() *QueueDispatcher {
	return &QueueDispatcher{responses: queue.New[*mock.Response]()}
}

// Enqueue appends a defensive copy of r to the FIFO, so later mutation
// by the test cannot corrupt an in-flight response.
func (d *QueueDispatcher) Enqueue(r *mock.Response) {
	d.responses.Push(r.Clone())
}

// SetFailFast makes an empty queue answer a plain 404 instead of
// blocking. SetFailFast(false) restores blocking behavior.
func (d *QueueDispatcher) SetFailFast(enabled bool) {
	if enabled {
		d.SetFailFastResponse(mock.NewResponse().SetStatusCode(404))
		return
	}
	d.SetFailFastResponse(nil)
}

// SetFailFastResponse supplies the response served when the queue is
// empty. nil restores blocking behavior.
func (d *QueueDispatcher) SetFailFastResponse(r *mock.Response) {
	d.mu.Lock()
	d.failFast = r
	d.mu.Unlock()
}

func (d *QueueDispatcher) failFastResponse() *mock.Response {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.failFast
}

// Len reports how many responses are queued.
func (d *QueueDispatcher) Len() int {
	return d.responses.Len()
}

// Dispatch removes and returns the queue head, blocking while the
// queue is empty. Requests for the browser's favicon probe are
// answered 404 without consuming the queue, so interactive testing
// does not desynchronize the script.
func (d *QueueDispatcher) Dispatch(req *mock.RecordedRequest) (*mock.Response, error) {
	if req.RequestLine == "GET /favicon.ico HTTP/1.1" {
		return mock.NewResponse().SetStatusCode(404), nil
	}

	if ff := d.failFastResponse(); ff != nil && d.responses.Len() == 0 {
		return ff, nil
	}

	resp, err := d.responses.Take(context.Background())
	if err != nil {
		return nil, err
	}
	if resp == shutdownSentinel {
		// Wake the next blocked caller before serving the 503.
		d.responses.Push(shutdownSentinel)
	}
	return resp, nil
}

// Peek returns the queue head without consuming it, the fail-fast
// response when the queue is empty, or a neutral placeholder.
func (d *QueueDispatcher) Peek() *mock.Response {
	if r, ok := d.responses.Peek(); ok {
		return r
	}
	if ff := d.failFastResponse(); ff != nil {
		return ff
	}
	return Neutral()
}

// Shutdown wakes every blocked Dispatch caller with a 503 sentinel.
func (d *QueueDispatcher) Shutdown() {
	d.responses.Push(shutdownSentinel)
}
