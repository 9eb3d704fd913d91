// Package nrepl is a networked REPL server and client for interactively
// compiled language runtimes. The server accepts concurrent TCP
// connections, evaluates framed requests inside retainable sessions, and
// streams back values, captured output, and status transitions; the client
// demultiplexes those streams into per-request handles.
//
// The wire format, session model, and concurrency structure live in the
// protocol, session, server, and client packages; this package provides
// the conventional entry points.
package nrepl

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/runtime"
	"github.com/zylisp/nrepl/server"
)

// DefaultHost is where Connect dials when no host is given.
const DefaultHost = "localhost"

// StartServer binds a TCP listener on port (0 for ephemeral) and starts
// serving. When ackPort is positive, the bound port is delivered to a
// server listening on localhost:ackPort via a one-line evaluation.
func StartServer(ctx context.Context, port, ackPort int, rt runtime.Runtime) (*server.Server, error) {
	srv, err := server.New(server.Config{
		Addr:    fmt.Sprintf(":%d", port),
		AckPort: ackPort,
		Runtime: rt,
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}

// Connect dials a REPL server. An empty host means DefaultHost.
func Connect(ctx context.Context, host string, port int) (*client.Client, error) {
	if host == "" {
		host = DefaultHost
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return client.Connect(ctx, addr, client.Config{})
}
