package server_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/runtime"
	"github.com/zylisp/nrepl/runtime/runtimetest"
	"github.com/zylisp/nrepl/server"
)

func startServer(t *testing.T, rt runtime.Runtime) *server.Server {
	t.Helper()
	srv, err := server.New(server.Config{Addr: "127.0.0.1:0", Runtime: rt})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func connect(t *testing.T, srv *server.Server) *client.Client {
	t.Helper()
	cl, err := client.Connect(context.Background(), srv.Addr(), client.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

// collect drains one request's responses through its terminal status and
// checks the per-id invariants: every response carries the request id, and
// the single terminal status comes last.
func collect(t *testing.T, resp *client.Response) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	for {
		msg, ok := resp.Next(5 * time.Second)
		require.True(t, ok, "no terminal status after %d responses: %v", len(msgs), msgs)
		require.Equal(t, resp.ID(), msg.ID())
		msgs = append(msgs, msg)
		if protocol.Terminal(msg.Status()) {
			for _, m := range msgs[:len(msgs)-1] {
				require.False(t, protocol.Terminal(m.Status()), "terminal status not last: %v", msgs)
			}
			return msgs
		}
	}
}

func values(msgs []protocol.Message) []string {
	var vs []string
	for _, m := range msgs {
		if v, ok := m[protocol.KeyValue].(string); ok {
			vs = append(vs, v)
		}
	}
	return vs
}

func TestSimpleEvaluation(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	cl := connect(t, srv)

	resp, err := cl.Send(client.Request{Code: "(+ 1 2)"})
	require.NoError(t, err)

	msgs := collect(t, resp)
	require.Equal(t, []string{"3"}, values(msgs))
	require.Equal(t, protocol.StatusDone, msgs[len(msgs)-1].Status())
	require.Equal(t, "user", msgs[0].Namespace())
}

func TestMultiFormRotatesSessionValues(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	cl := connect(t, srv)

	resp, err := cl.Send(client.Request{Code: "1 2 3"})
	require.NoError(t, err)
	msgs := collect(t, resp)
	require.Equal(t, []string{"1", "2", "3"}, values(msgs))
	require.Equal(t, protocol.StatusDone, msgs[len(msgs)-1].Status())

	sid, err := cl.RetainSession(context.Background())
	require.NoError(t, err)
	state, ok := srv.Sessions().Lookup(sid)
	require.True(t, ok)

	v1, v2, v3 := state.Values()
	require.Equal(t, int64(3), v1)
	require.Equal(t, int64(2), v2)
	require.Equal(t, int64(1), v3)
	require.Equal(t, "user", state.Namespace())
}

func TestStdoutCapturePrecedesValue(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	cl := connect(t, srv)

	resp, err := cl.Send(client.Request{Code: `(print "hi") 42`})
	require.NoError(t, err)
	msgs := collect(t, resp)

	outIdx, valIdx := -1, -1
	for i, m := range msgs {
		if m[protocol.KeyOut] == "hi" && outIdx < 0 {
			outIdx = i
		}
		if m[protocol.KeyValue] == "42" {
			valIdx = i
		}
	}
	require.GreaterOrEqual(t, outIdx, 0, "no out chunk: %v", msgs)
	require.GreaterOrEqual(t, valIdx, 0, "no value: %v", msgs)
	require.Less(t, outIdx, valIdx, "out must precede the value: %v", msgs)
	require.Equal(t, protocol.StatusDone, msgs[len(msgs)-1].Status())
}

func TestStdinRebinding(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	cl := connect(t, srv)

	resp, err := cl.Send(client.Request{Code: "(read-line)", Input: "from stdin\n"})
	require.NoError(t, err)
	msgs := collect(t, resp)
	require.Equal(t, []string{`"from stdin"`}, values(msgs))
}

func TestTimeoutCancelsWorker(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	cl := connect(t, srv)

	resp, err := cl.Send(client.Request{Code: "(sleep 60000)", TimeoutMillis: 200})
	require.NoError(t, err)

	start := time.Now()
	msgs := collect(t, resp)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, protocol.StatusTimeout, msgs[len(msgs)-1].Status())

	// Nothing, in particular no "done", follows the terminal status.
	_, ok := resp.Next(300 * time.Millisecond)
	require.False(t, ok)
}

func TestInterrupt(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	cl := connect(t, srv)

	resp, err := cl.Send(client.Request{Code: "(sleep 60000)"})
	require.NoError(t, err)

	// Give the worker a moment to start sleeping.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, resp.Interrupt())

	msgs := collect(t, resp)
	require.Equal(t, protocol.StatusInterrupted, msgs[len(msgs)-1].Status())
	for _, m := range msgs {
		require.NotEqual(t, protocol.StatusDone, m.Status())
	}
}

func TestInterruptUnknownRequest(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	cl := connect(t, srv)

	resp, err := cl.Send(client.Request{Code: "1"})
	require.NoError(t, err)
	collect(t, resp)

	// The request is gone; interrupting it reports an error.
	require.Error(t, resp.Interrupt())
}

func TestSessionRetentionAcrossConnections(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	cl1 := connect(t, srv)

	resp, err := cl1.Send(client.Request{Code: `(in-ns "scratch") (def x 1)`})
	require.NoError(t, err)
	collect(t, resp)

	sid, err := cl1.RetainSession(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	cl2 := connect(t, srv)
	resp, err = cl2.Send(client.Request{Code: "x", SessionID: sid})
	require.NoError(t, err)
	msgs := collect(t, resp)
	require.Equal(t, []string{"1"}, values(msgs))
	require.Equal(t, "scratch", msgs[0].Namespace())

	// Without the session the second connection's fresh session cannot
	// resolve x.
	cl3 := connect(t, srv)
	resp, err = cl3.Send(client.Request{Code: "x"})
	require.NoError(t, err)
	msgs = collect(t, resp)
	require.Empty(t, values(msgs))

	require.NoError(t, cl2.ReleaseSession(context.Background(), sid))
	_, ok := srv.Sessions().Lookup(sid)
	require.False(t, ok)
}

func TestUnknownSessionRejected(t *testing.T) {
	srv := startServer(t, runtimetest.New())

	nc, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer nc.Close()
	codec := protocol.NewEDNCodec(nc)

	require.NoError(t, codec.Encode(protocol.Message{
		protocol.KeyID:        "m1",
		protocol.KeyCode:      "1",
		protocol.KeySessionID: "no-such-session",
	}))
	var msg protocol.Message
	require.NoError(t, codec.Decode(&msg))
	require.Equal(t, "m1", msg.ID())
	require.Equal(t, protocol.StatusError, msg.Status())
	require.Contains(t, msg[protocol.KeyError], "No such session")
}

func TestErrorRecoveryContinuesWithNextForm(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	cl := connect(t, srv)

	resp, err := cl.Send(client.Request{Code: "(/ 1 0) 7"})
	require.NoError(t, err)
	msgs := collect(t, resp)

	var errChunk string
	sawError := false
	for _, m := range msgs {
		if e, ok := m[protocol.KeyErr].(string); ok {
			errChunk += e
		}
		if m.Status() == protocol.StatusError {
			sawError = true
		}
	}
	require.Contains(t, errChunk, "divide by zero")
	require.True(t, sawError)
	require.Equal(t, []string{"7"}, values(msgs))
	require.Equal(t, protocol.StatusDone, msgs[len(msgs)-1].Status())

	sid, err := cl.RetainSession(context.Background())
	require.NoError(t, err)
	state, ok := srv.Sessions().Lookup(sid)
	require.True(t, ok)
	require.ErrorContains(t, state.LastError(), "divide by zero")
}

func TestMissingCodeRejected(t *testing.T) {
	srv := startServer(t, runtimetest.New())

	nc, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer nc.Close()
	codec := protocol.NewEDNCodec(nc)

	require.NoError(t, codec.Encode(protocol.Message{protocol.KeyID: "m1"}))
	var msg protocol.Message
	require.NoError(t, codec.Decode(&msg))
	require.Equal(t, "m1", msg.ID())
	require.Equal(t, protocol.StatusError, msg.Status())
	require.Equal(t, "Received message with no code.", msg[protocol.KeyError])
}

func TestWorkerPanicSurfacesAsServerFailure(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	cl := connect(t, srv)

	resp, err := cl.Send(client.Request{Code: `(panic! "boom")`})
	require.NoError(t, err)
	msgs := collect(t, resp)

	last := msgs[len(msgs)-1]
	require.Equal(t, protocol.StatusServerFailure, last.Status())
	require.Contains(t, last[protocol.KeyError], "boom")

	// The server survives and keeps answering.
	resp, err = cl.Send(client.Request{Code: "1"})
	require.NoError(t, err)
	msgs = collect(t, resp)
	require.Equal(t, protocol.StatusDone, msgs[len(msgs)-1].Status())
}

func TestConcurrentRequestsInterleave(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	cl := connect(t, srv)

	slow, err := cl.Send(client.Request{Code: "(sleep 1000) 1"})
	require.NoError(t, err)
	fast, err := cl.Send(client.Request{Code: "(+ 1 2)"})
	require.NoError(t, err)

	// The fast request completes while the slow one is still running.
	start := time.Now()
	msgs := collect(t, fast)
	require.Equal(t, []string{"3"}, values(msgs))
	require.Less(t, time.Since(start), 900*time.Millisecond)

	msgs = collect(t, slow)
	require.Equal(t, []string{"1"}, values(msgs))
}

func TestShutdownCancellationIsNotDone(t *testing.T) {
	srv, err := server.New(server.Config{Addr: "127.0.0.1:0", Runtime: runtimetest.New()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		srv.Stop(stopCtx)
	})
	cl := connect(t, srv)

	resp, err := cl.Send(client.Request{Code: "(sleep 60000)"})
	require.NoError(t, err)

	// Cancel the server's context mid-evaluation while the connection
	// stays open.
	time.Sleep(100 * time.Millisecond)
	cancel()

	msgs := collect(t, resp)
	require.Equal(t, protocol.StatusInterrupted, msgs[len(msgs)-1].Status())
	for _, m := range msgs {
		require.NotEqual(t, protocol.StatusDone, m.Status())
	}
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	srv := startServer(t, runtimetest.New())

	nc, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(10 * time.Second))
	codec := protocol.NewEDNCodec(nc)

	require.NoError(t, codec.Encode(protocol.Message{
		protocol.KeyID:   "dup",
		protocol.KeyCode: "(sleep 300)",
	}))
	require.NoError(t, codec.Encode(protocol.Message{
		protocol.KeyID:   "dup",
		protocol.KeyCode: "1",
	}))

	// The second request is refused outright; the first still runs to
	// completion and stays interruptible under its id.
	var rejections, dones int
	var vals []string
	for dones == 0 {
		var msg protocol.Message
		require.NoError(t, codec.Decode(&msg))
		require.Equal(t, "dup", msg.ID())
		if e, ok := msg[protocol.KeyError].(string); ok {
			require.Contains(t, e, "Duplicate request id")
			rejections++
		}
		if v, ok := msg[protocol.KeyValue].(string); ok {
			vals = append(vals, v)
		}
		if msg.Status() == protocol.StatusDone {
			dones++
		}
	}
	require.Equal(t, 1, rejections)
	require.Equal(t, []string{"nil"}, vals)
}

func TestFramingErrorClosesConnection(t *testing.T) {
	srv := startServer(t, runtimetest.New())

	nc, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("not a count\n"))
	require.NoError(t, err)

	nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = nc.Read(buf)
	require.Error(t, err, "server should close the connection")
}

func TestAckHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	ackPort := ln.Addr().(*net.TCPAddr).Port

	got := make(chan protocol.Message, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		codec := protocol.NewEDNCodec(nc)
		var msg protocol.Message
		if err := codec.Decode(&msg); err != nil {
			return
		}
		got <- msg
		codec.Encode(protocol.Message{
			protocol.KeyID:     msg.ID(),
			protocol.KeyStatus: protocol.StatusDone,
		})
	}()

	srv, err := server.New(server.Config{
		Addr:    "127.0.0.1:0",
		AckPort: ackPort,
		Runtime: runtimetest.New(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	select {
	case msg := <-got:
		require.Equal(t, fmt.Sprintf("(nrepl-server-started %d)", srv.Port()), msg.Code())
	case <-time.After(5 * time.Second):
		t.Fatal("no ack request received")
	}
}

func TestEphemeralPortReported(t *testing.T) {
	srv := startServer(t, runtimetest.New())
	require.NotZero(t, srv.Port())
	require.NotEmpty(t, srv.Addr())
}
