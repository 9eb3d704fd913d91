// Package server implements the networked REPL server: a TCP accept loop,
// per-connection message dispatch, per-request evaluation workers with
// timeout and interrupt support, and retained sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/runtime"
	"github.com/zylisp/nrepl/session"
)

// Config provides configuration for creating a server.
type Config struct {
	// Addr is the TCP address to bind, e.g. ":7888". ":0" binds an
	// ephemeral port, reported by Addr() once started.
	Addr string

	// AckPort, when positive, makes Start dial localhost:AckPort and
	// deliver the bound port to the listening parent via a one-line
	// evaluation.
	AckPort int

	// Codec names the message encoding: "edn" (default), "json", or
	// "msgpack".
	Codec string

	// Runtime evaluates request code. Required.
	Runtime runtime.Runtime

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Server hosts the REPL over TCP. All process-wide state (pending requests,
// retained sessions) lives on the value, so one process may run several
// servers.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	rt       runtime.Runtime
	sessions *session.Store

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	conns    map[net.Conn]struct{}
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. Start must be called before it accepts connections.
func New(cfg Config) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: Config.Runtime is required")
	}
	switch cfg.Codec {
	case "", "edn", "json", "msgpack":
	default:
		return nil, fmt.Errorf("server: unsupported codec format: %s", cfg.Codec)
	}
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		rt:       cfg.Runtime,
		sessions: session.NewStore(),
		pending:  make(map[string]*pendingRequest),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the listener and launches the supervised accept loop. It does
// not block; use Stop to shut down. When AckPort is configured the bound
// port is delivered to the parent before Start returns to the accept loop.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on tcp: %w", err)
	}
	s.listener = listener
	s.logger.Info("repl server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.superviseLoop("accept", s.acceptLoop)

	if s.cfg.AckPort > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ack(s.cfg.AckPort)
		}()
	}
	return nil
}

// Stop gracefully shuts down: it stops accepting, closes connections, and
// waits for in-flight workers within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for nc := range s.conns {
		nc.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the listener's address, usable after Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Port returns the bound TCP port, or 0 before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Sessions exposes the retained-session store.
func (s *Server) Sessions() *session.Store {
	return s.sessions
}

// acceptLoop accepts connections until the listener closes, starting a
// supervised decode loop per connection.
func (s *Server) acceptLoop() error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return err
		}

		codec, err := protocol.NewCodec(s.cfg.Codec, nc)
		if err != nil {
			// Config is validated in New; this is unreachable.
			nc.Close()
			return err
		}

		s.mu.Lock()
		s.conns[nc] = struct{}{}
		s.mu.Unlock()
		s.logger.Debug("connection accepted",
			zap.String("remote", nc.RemoteAddr().String()))

		c := newConn(s, nc, codec)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.dropConn(nc)
			s.superviseConn(c)
		}()
	}
}

func (s *Server) dropConn(nc net.Conn) {
	nc.Close()
	s.mu.Lock()
	delete(s.conns, nc)
	s.mu.Unlock()
	s.logger.Debug("connection closed",
		zap.String("remote", nc.RemoteAddr().String()))
}

// superviseLoop runs fn until it finishes cleanly or the server stops.
// Shutdown I/O errors terminate silently; anything else, panics included,
// is logged and the loop restarts.
func (s *Server) superviseLoop(name string, fn func() error) {
	defer s.wg.Done()
	for {
		err := runRecovered(fn)
		if err == nil || s.ctx.Err() != nil ||
			errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}
		s.logger.Error("loop failed, restarting",
			zap.String("loop", name), zap.Error(err))
	}
}

// superviseConn runs a connection's decode loop under the same policy:
// serve handles its own I/O errors, so only panics restart it.
func (s *Server) superviseConn(c *conn) {
	for {
		err := runRecovered(c.serve)
		if err == nil || s.ctx.Err() != nil {
			return
		}
		c.logger.Error("connection loop failed, restarting", zap.Error(err))
	}
}

func runRecovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
