package runtimetest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// formReader tokenizes source text into forms: integers, strings, symbols,
// and parenthesized lists.
type formReader struct {
	r *bufio.Reader
}

// ReadForm reads the next top-level form, or io.EOF at end of source.
func (fr *formReader) ReadForm() (any, error) {
	if err := fr.skipSpace(); err != nil {
		return nil, err
	}
	return fr.read()
}

func (fr *formReader) skipSpace() error {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case ' ', '\t', '\r', '\n', ',':
		default:
			return fr.r.UnreadByte()
		}
	}
}

func (fr *formReader) read() (any, error) {
	b, err := fr.r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch b {
	case '(':
		return fr.readList()
	case ')':
		return nil, fmt.Errorf("unmatched )")
	case '"':
		return fr.readString()
	default:
		if err := fr.r.UnreadByte(); err != nil {
			return nil, err
		}
		return fr.readAtom()
	}
}

func (fr *formReader) readList() (any, error) {
	list := []any{}
	for {
		if err := fr.skipSpace(); err != nil {
			return nil, fmt.Errorf("unexpected EOF in list")
		}
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("unexpected EOF in list")
		}
		if b == ')' {
			return list, nil
		}
		if err := fr.r.UnreadByte(); err != nil {
			return nil, err
		}
		form, err := fr.read()
		if err != nil {
			return nil, err
		}
		list = append(list, form)
	}
}

func (fr *formReader) readString() (any, error) {
	var raw strings.Builder
	raw.WriteByte('"')
	escaped := false
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("unexpected EOF in string")
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
			return strconv.Unquote(raw.String())
		}
	}
}

func (fr *formReader) readAtom() (any, error) {
	var tok strings.Builder
	for {
		b, err := fr.r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if isBoundary(b) {
			if err := fr.r.UnreadByte(); err != nil {
				return nil, err
			}
			break
		}
		tok.WriteByte(b)
	}
	atom := tok.String()
	switch atom {
	case "":
		return nil, fmt.Errorf("empty token")
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

func isBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', ',', '(', ')', '"':
		return true
	}
	return false
}
