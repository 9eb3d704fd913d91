package protocol

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"sync"
)

// EDNCodec implements the wire contract: each message is framed as a decimal
// pair count followed by 2*count tokens, keys as bare symbols and values in
// readable syntax, all separated by whitespace.
//
// A per-stream mutex serializes writes so a message is never interleaved,
// and a second one serializes reads.
type EDNCodec struct {
	rw io.ReadWriteCloser
	w  *bufio.Writer
	s  *scanner

	wmu sync.Mutex
	rmu sync.Mutex
}

// NewEDNCodec creates a codec over rw.
func NewEDNCodec(rw io.ReadWriteCloser) *EDNCodec {
	return &EDNCodec{
		rw: rw,
		w:  bufio.NewWriter(rw),
		s:  &scanner{r: bufio.NewReader(rw)},
	}
}

// Encode writes msg as one atomic frame and flushes.
func (c *EDNCodec) Encode(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	keys := make([]string, 0, len(msg))
	for k := range msg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if _, err := fmt.Fprintf(c.w, "%d\n", len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := writeValue(c.w, Symbol(k)); err != nil {
			return err
		}
		if err := c.w.WriteByte(' '); err != nil {
			return err
		}
		if err := writeValue(c.w, msg[k]); err != nil {
			return err
		}
		if err := c.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// Decode reads one frame into msg. A clean end-of-stream before the count
// token is io.EOF; anything truncated or malformed wraps ErrFraming.
func (c *EDNCodec) Decode(msg *Message) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	v, err := c.s.readValue()
	if err == io.EOF {
		return io.EOF
	}
	if err != nil {
		return err
	}
	count, ok := v.(int64)
	if !ok || count < 0 {
		return fmt.Errorf("%w: malformed pair count %v", ErrFraming, v)
	}

	decoded := make(Message, count)
	for i := int64(0); i < count; i++ {
		key, err := c.s.readKey()
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("%w: EOF mid-message", ErrFraming)
			}
			return err
		}
		val, err := c.s.readValue()
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("%w: EOF mid-message", ErrFraming)
			}
			return err
		}
		decoded[key] = val
	}
	*msg = decoded
	return nil
}

// Close closes the underlying stream.
func (c *EDNCodec) Close() error {
	return c.rw.Close()
}
