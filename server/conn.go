package server

import (
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/session"
)

// conn handles one accepted connection: it decodes inbound messages and
// dispatches them, tracking the session the connection currently points to.
// A fresh unretained session is created per connection and replaced when a
// request binds a retained one via session-id.
type conn struct {
	srv     *Server
	nc      net.Conn
	codec   protocol.Codec
	logger  *zap.Logger
	session *session.State
}

func newConn(s *Server, nc net.Conn, codec protocol.Codec) *conn {
	return &conn{
		srv:     s,
		nc:      nc,
		codec:   codec,
		logger:  s.logger.With(zap.String("remote", nc.RemoteAddr().String())),
		session: session.New(),
	}
}

// serve decodes messages until the stream ends or framing breaks. Framing
// errors close the socket; the client must reconnect.
func (c *conn) serve() error {
	for {
		var msg protocol.Message
		if err := c.codec.Decode(&msg); err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, protocol.ErrFraming):
				c.logger.Warn("framing error, closing connection", zap.Error(err))
			default:
				c.logger.Warn("read failed, closing connection", zap.Error(err))
			}
			return nil
		}
		c.handle(msg)
	}
}

// handle routes one inbound message: interrupts and session management are
// dispatched inline; evaluation requests go to the worker pool without
// waiting for them.
func (c *conn) handle(msg protocol.Message) {
	if target := msg.InterruptTarget(); target != "" {
		c.handleInterrupt(msg, target)
		return
	}

	if sid := msg.SessionID(); sid != "" {
		st, ok := c.srv.sessions.Lookup(sid)
		if !ok {
			c.respondError(msg, "No such session: "+sid)
			return
		}
		c.session = st
	}

	if truthy(msg[protocol.KeyRetainSession]) {
		sid := c.srv.sessions.Retain(c.session)
		c.write(protocol.Message{
			protocol.KeyID:        respID(msg),
			protocol.KeySessionID: sid,
			protocol.KeyStatus:    protocol.StatusDone,
		})
		return
	}

	if sid, ok := msg[protocol.KeyReleaseSession].(string); ok && sid != "" {
		resp := protocol.Message{
			protocol.KeyID:     respID(msg),
			protocol.KeyStatus: protocol.StatusDone,
		}
		if !c.srv.sessions.ReleaseID(sid) {
			resp[protocol.KeyError] = "No such session: " + sid
		}
		c.write(resp)
		return
	}

	if msg.Code() == "" {
		c.respondError(msg, "Received message with no code.")
		return
	}

	c.srv.dispatchRequest(c, msg)
}

// handleInterrupt cancels the pending request named by target. The
// response is terminal for the interrupt message's own id so callers can
// block on its completion.
func (c *conn) handleInterrupt(msg protocol.Message, target string) {
	resp := protocol.Message{
		protocol.KeyID:     respID(msg),
		protocol.KeyStatus: protocol.StatusDone,
	}
	if p, ok := c.srv.lookupPending(target); ok {
		p.interrupt()
	} else {
		resp[protocol.KeyError] = "No pending request: " + target
	}
	c.write(resp)
}

// respondError answers msg with a non-terminal error status. Used for
// messages that are rejected before dispatch.
func (c *conn) respondError(msg protocol.Message, text string) {
	c.write(protocol.Message{
		protocol.KeyID:     respID(msg),
		protocol.KeyStatus: protocol.StatusError,
		protocol.KeyError:  text,
	})
}

// write encodes one response; the codec's stream mutex keeps it atomic on
// the wire.
func (c *conn) write(msg protocol.Message) error {
	return c.codec.Encode(msg)
}

// respID echoes the originating id, minting one when the request carried
// none so every response has an id.
func respID(msg protocol.Message) string {
	if id := msg.ID(); id != "" {
		return id
	}
	return uuid.NewString()
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	case protocol.Symbol:
		return t == "true"
	}
	return false
}
