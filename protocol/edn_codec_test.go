package protocol

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// rwBuffer adapts a bytes.Buffer into the ReadWriteCloser codecs expect.
type rwBuffer struct {
	bytes.Buffer
}

func (*rwBuffer) Close() error { return nil }

// pipeEnd pairs a reader and writer into one stream end.
type pipeEnd struct {
	io.Reader
	io.Writer
}

func (*pipeEnd) Close() error { return nil }

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	buf := &rwBuffer{}
	c := NewEDNCodec(buf)
	require.NoError(t, c.Encode(msg))

	var decoded Message
	require.NoError(t, c.Decode(&decoded))
	return decoded
}

func TestEDNRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"request", Message{
			KeyID:      "e1b2",
			KeyCode:    `(+ 1 2)`,
			KeyTimeout: int64(60000),
		}},
		{"response", Message{
			KeyID:    "e1b2",
			KeyValue: "3",
		}},
		{"status", Message{
			KeyID:     "e1b2",
			KeyStatus: "done",
		}},
		{"escapes", Message{
			KeyID:   "x",
			KeyCode: "(print \"hi\\nthere\")",
			KeyOut:  "tab\there \"quoted\"",
		}},
		{"heterogeneous", Message{
			"id":     "x",
			"n":      int64(-42),
			"flag":   true,
			"nested": []any{int64(1), "two", []any{Symbol("three")}},
			"map":    map[string]any{"a": int64(1), "b": nil},
		}},
		{"empty", Message{}},
		{"unknown keys preserved", Message{
			"id":          "x",
			"wat":         "kept",
			"custom-list": []any{nil, false},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.msg, roundTrip(t, tt.msg))
		})
	}
}

func TestEDNWireFormat(t *testing.T) {
	buf := &rwBuffer{}
	c := NewEDNCodec(buf)
	require.NoError(t, c.Encode(Message{
		KeyID:      "e1",
		KeyCode:    "(+ 1 2)",
		KeyTimeout: int64(60000),
	}))

	// Keys are bare symbols, strings are quoted, count leads the frame.
	wire := buf.String()
	require.True(t, strings.HasPrefix(wire, "3\n"), "wire: %q", wire)
	require.Contains(t, wire, "code \"(+ 1 2)\"")
	require.Contains(t, wire, "id \"e1\"")
	require.Contains(t, wire, "timeout 60000")
}

func TestEDNStringKeysCoerced(t *testing.T) {
	// A peer may emit keys as quoted strings; they decode the same.
	buf := &rwBuffer{}
	buf.WriteString("2\n\"id\" \"x\"\nstatus \"done\"\n")

	c := NewEDNCodec(buf)
	var msg Message
	require.NoError(t, c.Decode(&msg))
	require.Equal(t, Message{KeyID: "x", KeyStatus: "done"}, msg)
}

func TestEDNFramingErrors(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"malformed count", "banana\nid \"x\"\n"},
		{"negative count", "-1\n"},
		{"eof mid message", "3\nid \"x\"\n"},
		{"eof in string", "1\nid \"unterminated"},
		{"eof in sequence", "1\nid [1 2"},
		{"stray delimiter", "1\nid )\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &rwBuffer{}
			buf.WriteString(tt.wire)
			c := NewEDNCodec(buf)
			var msg Message
			err := c.Decode(&msg)
			require.ErrorIs(t, err, ErrFraming)
		})
	}
}

func TestEDNCleanEOF(t *testing.T) {
	c := NewEDNCodec(&rwBuffer{})
	var msg Message
	require.ErrorIs(t, c.Decode(&msg), io.EOF)
}

func TestEDNConcurrentWritesNotInterleaved(t *testing.T) {
	pr, pw := io.Pipe()
	wc := NewEDNCodec(&pipeEnd{Writer: pw})
	rc := NewEDNCodec(&pipeEnd{Reader: pr})

	const writers, perWriter = 4, 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := wc.Encode(Message{
					KeyID:    fmt.Sprintf("w%d-%d", w, i),
					KeyValue: strings.Repeat("x", 64),
					"n":      int64(i),
				})
				require.NoError(t, err)
			}
		}(w)
	}

	seen := map[string]bool{}
	for i := 0; i < writers*perWriter; i++ {
		var msg Message
		require.NoError(t, rc.Decode(&msg))
		require.Len(t, msg, 3, "message interleaved: %v", msg)
		require.False(t, seen[msg.ID()], "duplicate id %s", msg.ID())
		seen[msg.ID()] = true
	}
	wg.Wait()
}
