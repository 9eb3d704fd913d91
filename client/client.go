// Package client implements the REPL client: it connects to a server,
// sends evaluation requests, and demultiplexes streamed responses back to
// per-request handles by message id. The outstanding-request map holds
// weak references, so a dropped handle stops pinning its queue and later
// responses for that id are discarded.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	goruntime "runtime"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zylisp/nrepl/protocol"
)

// ErrClosed is returned when the connection is closed or the reader has
// failed.
var ErrClosed = errors.New("client: connection closed")

// Config provides configuration for Connect.
type Config struct {
	// Codec names the message encoding; it must match the server's.
	// Default "edn".
	Codec string

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Request describes one evaluation submission.
type Request struct {
	// Code is the source text to evaluate. Required.
	Code string

	// Namespace, when set, is the namespace to evaluate in.
	Namespace string

	// Input is exposed as the evaluator's stdin.
	Input string

	// SessionID attaches the request to a retained session.
	SessionID string

	// TimeoutMillis bounds the evaluation; the server default applies
	// when zero.
	TimeoutMillis int64
}

// Client is a connection to a REPL server. A dedicated reader goroutine
// routes every decoded response to the handle awaiting its id.
type Client struct {
	nc     net.Conn
	codec  protocol.Codec
	logger *zap.Logger

	mu          sync.Mutex
	outstanding map[string]weak.Pointer[Response]
	closed      bool
	readerDone  chan struct{}
}

// Connect establishes a connection and starts the reader.
func Connect(ctx context.Context, addr string, cfg Config) (*Client, error) {
	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to repl server: %w", err)
	}

	codec, err := protocol.NewCodec(cfg.Codec, nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		nc:          nc,
		codec:       codec,
		logger:      logger,
		outstanding: make(map[string]weak.Pointer[Response]),
		readerDone:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop decodes responses and enqueues each on the live handle
// registered for its id. Responses for reclaimed or unknown ids are
// dropped.
func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		var msg protocol.Message
		if err := c.codec.Decode(&msg); err != nil {
			c.failAll()
			return
		}

		c.mu.Lock()
		wp, ok := c.outstanding[msg.ID()]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if r := wp.Value(); r != nil {
			r.push(msg)
		}
	}
}

// failAll wakes every live handle after the connection breaks.
func (c *Client) failAll() {
	c.mu.Lock()
	c.closed = true
	handles := make([]weak.Pointer[Response], 0, len(c.outstanding))
	for _, wp := range c.outstanding {
		handles = append(handles, wp)
	}
	c.mu.Unlock()

	for _, wp := range handles {
		if r := wp.Value(); r != nil {
			r.fail()
		}
	}
}

// Send writes an evaluation request and returns its response handle. The
// handle is registered weakly: dropping it without draining makes the
// entry reclaimable and later responses for the id are discarded.
func (c *Client) Send(req Request) (*Response, error) {
	msg := protocol.Message{protocol.KeyCode: req.Code}
	if req.Namespace != "" {
		msg[protocol.KeyNamespace] = req.Namespace
	}
	if req.Input != "" {
		msg[protocol.KeyInput] = req.Input
	}
	if req.SessionID != "" {
		msg[protocol.KeySessionID] = req.SessionID
	}
	if req.TimeoutMillis > 0 {
		msg[protocol.KeyTimeout] = req.TimeoutMillis
	}
	return c.send(msg)
}

// send registers a handle for a fresh id and writes msg.
func (c *Client) send(msg protocol.Message) (*Response, error) {
	id := uuid.NewString()
	msg[protocol.KeyID] = id

	r := newResponse(c, id)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.outstanding[id] = weak.Make(r)
	c.mu.Unlock()

	// Deregister the id once the handle is collected; the cleanup must
	// not capture r itself.
	goruntime.AddCleanup(r, func(id string) { c.forget(id) }, id)

	if err := c.codec.Encode(msg); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return r, nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.outstanding, id)
	c.mu.Unlock()
}

// Eval sends code and folds the streamed responses into one combined
// message. It returns when the terminal status arrives, when the server
// rejects the request before dispatch, or when ctx expires.
func (c *Client) Eval(ctx context.Context, code string) (protocol.Message, error) {
	r, err := c.Send(Request{Code: code})
	if err != nil {
		return nil, err
	}
	var msgs []protocol.Message
	for {
		if err := ctx.Err(); err != nil {
			return CombineResponses(msgs), err
		}
		msg, ok := r.Next(250 * time.Millisecond)
		if !ok {
			if r.failed() {
				return CombineResponses(msgs), ErrClosed
			}
			continue
		}
		msgs = append(msgs, msg)
		if protocol.Terminal(msg.Status()) {
			return CombineResponses(msgs), nil
		}
		// A pre-dispatch rejection carries an error text and never
		// gets a terminal status of its own.
		if msg.Status() == protocol.StatusError && msg[protocol.KeyError] != nil {
			return CombineResponses(msgs), nil
		}
	}
}

// RetainSession retains the connection's current session on the server and
// returns its id for use with Request.SessionID, on this connection or any
// other.
func (c *Client) RetainSession(ctx context.Context) (string, error) {
	r, err := c.send(protocol.Message{protocol.KeyRetainSession: true})
	if err != nil {
		return "", err
	}
	msg, err := r.awaitTerminal(ctx)
	if err != nil {
		return "", err
	}
	if e, ok := msg[protocol.KeyError].(string); ok {
		return "", errors.New(e)
	}
	return msg.SessionID(), nil
}

// ReleaseSession removes a retained session from the server's store.
func (c *Client) ReleaseSession(ctx context.Context, sessionID string) error {
	r, err := c.send(protocol.Message{protocol.KeyReleaseSession: sessionID})
	if err != nil {
		return err
	}
	msg, err := r.awaitTerminal(ctx)
	if err != nil {
		return err
	}
	if e, ok := msg[protocol.KeyError].(string); ok {
		return errors.New(e)
	}
	return nil
}

// Close shuts the socket down and wakes all outstanding handles.
func (c *Client) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()

	err := c.codec.Close()
	<-c.readerDone
	if already {
		return nil
	}
	return err
}
