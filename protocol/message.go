package protocol

// Message keys recognized by the server and client. Codecs preserve keys
// they do not recognize, so the set is extensible.
const (
	KeyID             = "id"
	KeyCode           = "code"
	KeyInput          = "in"
	KeyNamespace      = "ns"
	KeyTimeout        = "timeout"
	KeySessionID      = "session-id"
	KeyInterrupt      = "interrupt-id"
	KeyRetainSession  = "retain-session"
	KeyReleaseSession = "release-session"
	KeyStatus         = "status"
	KeyValue          = "value"
	KeyOut            = "out"
	KeyErr            = "err"
	KeyError          = "error"
)

// Status values carried under KeyStatus.
const (
	StatusDone          = "done"
	StatusError         = "error"
	StatusInterrupted   = "interrupted"
	StatusTimeout       = "timeout"
	StatusServerFailure = "server-failure"
)

// DefaultTimeoutMillis applies when a request carries no timeout.
const DefaultTimeoutMillis int64 = 60000

// Message is a single protocol message: a mapping from short keyword keys
// to values. The value domain is nil, bool, int64, string, []any,
// map[string]any, and Symbol for unquoted readable tokens.
type Message map[string]any

// Symbol is an unquoted readable token, distinct from a quoted string.
// Map keys are encoded as symbols on the wire.
type Symbol string

func (m Message) str(key string) string {
	s, _ := m[key].(string)
	return s
}

// ID returns the request/response correlation id, or "".
func (m Message) ID() string { return m.str(KeyID) }

// Code returns the source text to evaluate, or "".
func (m Message) Code() string { return m.str(KeyCode) }

// Input returns the text exposed as the evaluator's stdin.
func (m Message) Input() string { return m.str(KeyInput) }

// Namespace returns the namespace named by the message, or "".
func (m Message) Namespace() string { return m.str(KeyNamespace) }

// SessionID returns the retained session id the request binds to, or "".
func (m Message) SessionID() string { return m.str(KeySessionID) }

// InterruptTarget returns the request id an interrupt message names, or "".
func (m Message) InterruptTarget() string { return m.str(KeyInterrupt) }

// Status returns the response status, or "".
func (m Message) Status() string { return m.str(KeyStatus) }

// TimeoutMillis returns the request's evaluation deadline in milliseconds,
// defaulting to DefaultTimeoutMillis when absent or non-positive.
func (m Message) TimeoutMillis() int64 {
	if n, ok := asInt64(m[KeyTimeout]); ok && n > 0 {
		return n
	}
	return DefaultTimeoutMillis
}

// Terminal reports whether status is one of the terminal statuses: the
// final response emitted for a request id.
func Terminal(status string) bool {
	switch status {
	case StatusDone, StatusTimeout, StatusInterrupted, StatusServerFailure:
		return true
	}
	return false
}

// asInt64 widens any integer-shaped value a codec may produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
