package protocol

import (
	"encoding/json"
	"io"
	"sync"
)

// JSONCodec is an alternate codec using newline-delimited JSON. The
// encoder's trailing newline provides framing.
type JSONCodec struct {
	rw      io.ReadWriteCloser
	encoder *json.Encoder
	decoder *json.Decoder

	wmu sync.Mutex
	rmu sync.Mutex
}

// NewJSONCodec creates a JSON codec over rw.
func NewJSONCodec(rw io.ReadWriteCloser) *JSONCodec {
	d := json.NewDecoder(rw)
	d.UseNumber()
	return &JSONCodec{
		rw:      rw,
		encoder: json.NewEncoder(rw),
		decoder: d,
	}
}

// Encode writes msg as one JSON document followed by a newline.
func (c *JSONCodec) Encode(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.encoder.Encode(map[string]any(msg))
}

// Decode reads one JSON document into msg, restoring the codec value
// domain (integers as int64, Symbol round-tripped as string).
func (c *JSONCodec) Decode(msg *Message) error {
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
func (c *JSONCodec) Close() error {
	return c.rw.Close()
}

// normalize maps decoder output onto the codec value domain.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case float64:
		if n, ok := asInt64(t); ok {
			return n
		}
		return t
	case int, int8, int16, int32, uint, uint8, uint16, uint32, uint64:
		n, _ := asInt64(t)
		return n
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	default:
		return v
	}
}
