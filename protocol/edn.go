package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ErrFraming marks a framing failure while decoding a message: a malformed
// count, EOF mid-message, or an unreadable token. The connection handler
// closes the socket on any error wrapping it.
var ErrFraming = errors.New("protocol: framing error")

// writeValue prints v in readable syntax: symbols bare, strings quoted with
// standard escapes, integers in decimal, sequences as [..], maps as {..}
// with symbol keys.
func writeValue(w *bufio.Writer, v any) error {
	switch t := v.(type) {
	case nil:
		_, err := w.WriteString("nil")
		return err
	case bool:
		_, err := w.WriteString(strconv.FormatBool(t))
		return err
	case string:
		_, err := w.WriteString(strconv.Quote(t))
		return err
	case Symbol:
		if t == "" || strings.ContainsAny(string(t), " \t\r\n\"[](){}") {
			return fmt.Errorf("protocol: symbol %q is not a valid token", string(t))
		}
		_, err := w.WriteString(string(t))
		return err
	case []any:
		if err := w.WriteByte('['); err != nil {
			return err
		}
		for i, e := range t {
			if i > 0 {
				if err := w.WriteByte(' '); err != nil {
					return err
				}
			}
			if err := writeValue(w, e); err != nil {
				return err
			}
		}
		return w.WriteByte(']')
	case map[string]any:
		if err := w.WriteByte('{'); err != nil {
			return err
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				if err := w.WriteByte(' '); err != nil {
					return err
				}
			}
			if err := writeValue(w, Symbol(k)); err != nil {
				return err
			}
			if err := w.WriteByte(' '); err != nil {
				return err
			}
			if err := writeValue(w, t[k]); err != nil {
				return err
			}
		}
		return w.WriteByte('}')
	default:
		if n, ok := asInt64(v); ok {
			_, err := w.WriteString(strconv.FormatInt(n, 10))
			return err
		}
		return fmt.Errorf("protocol: unsupported value type %T", v)
	}
}

// scanner reads readable tokens from a byte stream. It is not safe for
// concurrent use; the codec serializes access.
type scanner struct {
	r *bufio.Reader
}

func (s *scanner) skipSpace() error {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
		default:
			return s.r.UnreadByte()
		}
	}
}

// readValue reads one value token. A clean io.EOF before any byte of the
// token is returned as io.EOF so callers can distinguish end-of-stream from
// a truncated message.
func (s *scanner) readValue() (any, error) {
	if err := s.skipSpace(); err != nil {
		return nil, err
	}
	b, err := s.r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch b {
	case '"':
		return s.readString()
	case '[':
		return s.readSeq(']')
	case '(':
		return s.readSeq(')')
	case '{':
		return s.readMap()
	case ']', ')', '}':
		return nil, fmt.Errorf("%w: unexpected %q", ErrFraming, b)
	default:
		if err := s.r.UnreadByte(); err != nil {
			return nil, err
		}
		return s.readAtom()
	}
}

// readString consumes a quoted string whose opening quote has been read,
// then decodes it with standard escapes.
func (s *scanner) readString() (string, error) {
	var raw strings.Builder
	raw.WriteByte('"')
	escaped := false
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("%w: EOF inside string", ErrFraming)
		}
		raw.WriteByte(b)
		if escaped {
			escaped = false
			continue
		}
		switch b {
		case '\\':
			escaped = true
		case '"':
			str, err := strconv.Unquote(raw.String())
			if err != nil {
				return "", fmt.Errorf("%w: bad string token: %v", ErrFraming, err)
			}
			return str, nil
		}
	}
}

func (s *scanner) readSeq(end byte) ([]any, error) {
	seq := []any{}
	for {
		if err := s.skipSpace(); err != nil {
			return nil, fmt.Errorf("%w: EOF inside sequence", ErrFraming)
		}
		b, err := s.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: EOF inside sequence", ErrFraming)
		}
		if b == end {
			return seq, nil
		}
		if err := s.r.UnreadByte(); err != nil {
			return nil, err
		}
		v, err := s.readValue()
		if err != nil {
			return nil, err
		}
		seq = append(seq, v)
	}
}

func (s *scanner) readMap() (map[string]any, error) {
	m := map[string]any{}
	for {
		if err := s.skipSpace(); err != nil {
			return nil, fmt.Errorf("%w: EOF inside map", ErrFraming)
		}
		b, err := s.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: EOF inside map", ErrFraming)
		}
		if b == '}' {
			return m, nil
		}
		if err := s.r.UnreadByte(); err != nil {
			return nil, err
		}
		key, err := s.readKey()
		if err != nil {
			return nil, err
		}
		v, err := s.readValue()
		if err != nil {
			return nil, err
		}
		m[key] = v
	}
}

// readKey reads one token and coerces it to a string key, accepting both
// symbol and quoted-string spellings.
func (s *scanner) readKey() (string, error) {
	v, err := s.readValue()
	if err != nil {
		return "", err
	}
	switch k := v.(type) {
	case Symbol:
		return string(k), nil
	case string:
		return k, nil
	default:
		return "", fmt.Errorf("%w: key token %v is not a symbol or string", ErrFraming, v)
	}
}

// readAtom reads an undelimited token and classifies it as nil, bool,
// integer, or symbol.
func (s *scanner) readAtom() (any, error) {
	var tok strings.Builder
	for {
		b, err := s.r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if isDelim(b) {
			if err := s.r.UnreadByte(); err != nil {
				return nil, err
			}
			break
		}
		tok.WriteByte(b)
	}
	atom := tok.String()
	switch atom {
	case "":
		return nil, fmt.Errorf("%w: empty token", ErrFraming)
	case "nil":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if n, err := strconv.ParseInt(atom, 10, 64); err == nil {
		return n, nil
	}
	return Symbol(atom), nil
}

func isDelim(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '"', '[', ']', '(', ')', '{', '}':
		return true
	}
	return false
}
