package server

import (
	"bytes"
	"sync"

	"github.com/zylisp/nrepl/protocol"
)

// outSink is the capturing byte sink the evaluator writes to in place of a
// real stdout or stderr. Writes accumulate until Flush swaps the buffer out
// and, if non-empty, emits it as a single {<key>: text} response chunk.
// The swap and emit happen under one lock so chunks are never interleaved
// and no bytes are lost to a concurrent write.
type outSink struct {
	key  string
	emit func(protocol.Message) error

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func newOutSink(key string, emit func(protocol.Message) error) *outSink {
	return &outSink{key: key, emit: emit}
}

// Write buffers p. Writes after Close are discarded; they can only come
// from a worker that outlived its request.
func (s *outSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}
	return s.buf.Write(p)
}

// Flush emits the buffered text, if any, as one response chunk.
func (s *outSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	text := s.buf.String()
	s.buf.Reset()
	return s.emit(protocol.Message{s.key: text})
}

// Close flushes any remaining buffered text.
func (s *outSink) Close() error {
	err := s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}
