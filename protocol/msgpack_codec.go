package protocol

import (
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MessagePackCodec is an alternate binary codec for deployments where the
// textual framing is too chatty. MessagePack frames are self-delimiting.
type MessagePackCodec struct {
	rw      io.ReadWriteCloser
	encoder *msgpack.Encoder
	decoder *msgpack.Decoder

	wmu sync.Mutex
	rmu sync.Mutex
}

// NewMessagePackCodec creates a MessagePack codec over rw.
func NewMessagePackCodec(rw io.ReadWriteCloser) *MessagePackCodec {
	return &MessagePackCodec{
		rw:      rw,
		encoder: msgpack.NewEncoder(rw),
		decoder: msgpack.NewDecoder(rw),
	}
}

// Encode writes msg as one MessagePack map. Symbols are encoded as
// strings; the textual codec is the only one that distinguishes them.
func (c *MessagePackCodec) Encode(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	flat := make(map[string]any, len(msg))
	for k, v := range msg {
		if s, ok := v.(Symbol); ok {
			v = string(s)
		}
		flat[k] = v
	}
	return c.encoder.Encode(flat)
}

// Decode reads one MessagePack map into msg.
func (c *MessagePackCodec) Decode(msg *Message) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	var raw map[string]any
	if err := c.decoder.Decode(&raw); err != nil {
		return err
	}
	decoded := make(Message, len(raw))
	for k, v := range raw {
		decoded[k] = normalize(v)
	}
	*msg = decoded
	return nil
}

// Close closes the underlying stream.
func (c *MessagePackCodec) Close() error {
	return c.rw.Close()
}
