package protocol

import (
	"fmt"
	"io"
)

// Codec defines the interface for encoding and decoding protocol messages.
// Implementations handle the serialization format and message framing over
// the underlying transport, and must tolerate one concurrent reader plus
// any number of concurrent writers.
type Codec interface {
	// Encode writes one message as an atomic frame.
	Encode(msg Message) error

	// Decode reads one message. io.EOF signals a clean end of stream.
	Decode(msg *Message) error

	// Close closes the codec and its underlying stream.
	Close() error
}

// DefaultFormat is the wire contract spoken by servers and clients unless
// configured otherwise.
const DefaultFormat = "edn"

// NewCodec creates a codec for the named format over rw.
// Supported formats: "edn" (default when empty), "json", "msgpack".
func NewCodec(format string, rw io.ReadWriteCloser) (Codec, error) {
	switch format {
	case "edn", "":
		return NewEDNCodec(rw), nil
	case "json":
		return NewJSONCodec(rw), nil
	case "msgpack":
		return NewMessagePackCodec(rw), nil
	default:
		return nil, fmt.Errorf("unsupported codec format: %s", format)
	}
}
