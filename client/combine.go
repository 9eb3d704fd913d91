package client

import (
	"fmt"

	"github.com/zylisp/nrepl/protocol"
	rt "github.com/zylisp/nrepl/runtime"
)

// CombineResponses folds a response stream into a single message: id and
// ns take the last occurrence, values collect into an ordered list,
// statuses collect into a set in arrival order, other string-valued keys
// (out, err, error) concatenate in order, and anything else is last-wins.
// The value entry is always a list, even for a single value, which makes
// the fold idempotent.
func CombineResponses(msgs []protocol.Message) protocol.Message {
	combined := protocol.Message{}
	var values []any
	var statuses []any
	seen := map[any]bool{}

	for _, m := range msgs {
		for k, v := range m {
			switch k {
			case protocol.KeyValue:
				// An already-combined message carries a list.
				if list, ok := v.([]any); ok {
					values = append(values, list...)
				} else {
					values = append(values, v)
				}
			case protocol.KeyStatus:
				flat, ok := v.([]any)
				if !ok {
					flat = []any{v}
				}
				for _, s := range flat {
					if !seen[s] {
						seen[s] = true
						statuses = append(statuses, s)
					}
				}
			case protocol.KeyID, protocol.KeyNamespace:
				combined[k] = v
			default:
				if s, ok := v.(string); ok {
					prev, _ := combined[k].(string)
					combined[k] = prev + s
				} else {
					combined[k] = v
				}
			}
		}
	}

	if len(values) > 0 {
		combined[protocol.KeyValue] = values
	}
	if len(statuses) > 0 {
		combined[protocol.KeyStatus] = statuses
	}
	return combined
}

// ValueParseError reports a response value that the runtime's reader could
// not parse back.
type ValueParseError struct {
	ID  string
	Raw string
	Err error
}

func (e *ValueParseError) Error() string {
	return fmt.Sprintf("client: cannot read value %q for request %s: %v", e.Raw, e.ID, e.Err)
}

func (e *ValueParseError) Unwrap() error { return e.Err }

// ReadResponseValue parses the printed value carried by msg through the
// runtime's reader. It returns (nil, nil) when msg carries no value and a
// *ValueParseError when the value does not read back.
func ReadResponseValue(r rt.Runtime, msg protocol.Message) (rt.Value, error) {
	raw, ok := msg[protocol.KeyValue].(string)
	if !ok {
		return nil, nil
	}
	v, err := r.ReadString(raw)
	if err != nil {
		return nil, &ValueParseError{ID: msg.ID(), Raw: raw, Err: err}
	}
	return v, nil
}
