package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/protocol"
)

// ackTimeout bounds the whole handshake with the bootstrapping parent.
const ackTimeout = 10 * time.Second

// ack delivers the bound port to a parent server listening on
// localhost:port, as a one-line evaluation the parent resolves. Failure is
// logged, never fatal: the server is already up.
func (s *Server) ack(port int) {
	addr := net.JoinHostPort("localhost", strconv.Itoa(port))
	ctx, cancel := context.WithTimeout(s.ctx, ackTimeout)
	defer cancel()

	cl, err := client.Connect(ctx, addr, client.Config{
		Codec:  s.cfg.Codec,
		Logger: s.logger,
	})
	if err != nil {
		s.logger.Warn("ack connect failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	defer cl.Close()

	resp, err := cl.Send(client.Request{
		Code:          fmt.Sprintf("(nrepl-server-started %d)", s.Port()),
		TimeoutMillis: ackTimeout.Milliseconds(),
	})
	if err != nil {
		s.logger.Warn("ack send failed", zap.String("addr", addr), zap.Error(err))
		return
	}

	for {
		msg, ok := resp.Next(ackTimeout)
		if !ok {
			s.logger.Warn("ack handshake timed out", zap.String("addr", addr))
			return
		}
		if status := msg.Status(); protocol.Terminal(status) {
			s.logger.Debug("ack delivered",
				zap.String("addr", addr), zap.String("status", status))
			return
		}
	}
}
