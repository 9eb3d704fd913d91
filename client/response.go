package client

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/zylisp/nrepl/protocol"
)

// Response is the per-request handle returned by Send: successive calls to
// Next yield the responses streamed for one request id, ending with a
// terminal status. The reader holds only a weak reference to it, so a
// handle that goes out of scope stops receiving.
type Response struct {
	c  *Client
	id string

	mu    sync.Mutex
	queue []protocol.Message
	dead  bool

	signal chan struct{}
}

func newResponse(c *Client, id string) *Response {
	return &Response{c: c, id: id, signal: make(chan struct{}, 1)}
}

// ID returns the request id this handle receives responses for.
func (r *Response) ID() string { return r.id }

func (r *Response) push(msg protocol.Message) {
	r.mu.Lock()
	r.queue = append(r.queue, msg)
	r.mu.Unlock()
	r.wake()
}

func (r *Response) fail() {
	r.mu.Lock()
	r.dead = true
	r.mu.Unlock()
	r.wake()
}

func (r *Response) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Response) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dead && len(r.queue) == 0
}

// Next blocks up to timeout for the next response. A non-positive timeout
// blocks until a response arrives or the connection fails. The second
// return is false on timeout or connection failure.
func (r *Response) Next(timeout time.Duration) (protocol.Message, bool) {
	var timeCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeCh = timer.C
	}
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			msg := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return msg, true
		}
		if r.dead {
			r.mu.Unlock()
			return nil, false
		}
		r.mu.Unlock()

		select {
		case <-r.signal:
		case <-timeCh:
			return nil, false
		}
	}
}

// Seq yields responses until the first done, timeout, or interrupted
// status has been yielded, or until the connection fails. A server-failure
// status does not end the sequence, preserving the original protocol
// behavior.
func (r *Response) Seq() iter.Seq[protocol.Message] {
	return func(yield func(protocol.Message) bool) {
		for {
			msg, ok := r.Next(0)
			if !ok {
				return
			}
			if !yield(msg) {
				return
			}
			switch msg.Status() {
			case protocol.StatusDone, protocol.StatusTimeout, protocol.StatusInterrupted:
				return
			}
		}
	}
}

// Interrupt asks the server to cancel this request and blocks until the
// interrupt message itself completes. The original request still receives
// its own terminal "interrupted" status through this handle.
func (r *Response) Interrupt() error {
	ir, err := r.c.send(protocol.Message{protocol.KeyInterrupt: r.id})
	if err != nil {
		return err
	}
	msg, err := ir.awaitTerminal(context.Background())
	if err != nil {
		return err
	}
	if e, ok := msg[protocol.KeyError].(string); ok {
		return fmt.Errorf("interrupt %s: %s", r.id, e)
	}
	return nil
}

// awaitTerminal drains responses until a terminal status arrives.
func (r *Response) awaitTerminal(ctx context.Context) (protocol.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, ok := r.Next(250 * time.Millisecond)
		if !ok {
			if r.failed() {
				return nil, ErrClosed
			}
			continue
		}
		if protocol.Terminal(msg.Status()) {
			return msg, nil
		}
	}
}
