package cli

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zylisp/nrepl/protocol"
)

// A session rejection is answered before dispatch with a non-terminal error
// status; the command must exit non-zero instead of waiting for a terminal
// status that will never come.
func TestEvalExitsOnSessionRejection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		codec := protocol.NewEDNCodec(nc)
		var msg protocol.Message
		if codec.Decode(&msg) != nil {
			return
		}
		codec.Encode(protocol.Message{
			protocol.KeyID:     msg.ID(),
			protocol.KeyStatus: protocol.StatusError,
			protocol.KeyError:  "No such session: bogus",
		})
		// Keep the connection open until the client hangs up.
		var next protocol.Message
		codec.Decode(&next)
	}()

	cmd := NewEvalCmd()
	cmd.SetArgs([]string{"--addr", ln.Addr().String(), "--session", "bogus", "1"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	done := make(chan error, 1)
	go func() { done <- cmd.Execute() }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("eval command did not exit after the session rejection")
	}
}
