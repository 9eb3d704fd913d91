// Package runtime defines the narrow interfaces through which the REPL
// server consumes a host language runtime: a reader that yields one form at
// a time, an evaluator, a printer, and a cause-trace formatter.
package runtime

import (
	"context"
	"io"
)

// Value is an arbitrary host-runtime value.
type Value = any

// Form is one parsed top-level form, opaque to the server.
type Form = any

// DefaultNamespace is the namespace requests evaluate in unless the request
// or its session names another.
const DefaultNamespace = "user"

// FormReader yields successive top-level forms from a source text.
// io.EOF ends the stream.
type FormReader interface {
	ReadForm() (Form, error)
}

// Runtime adapts a host language runtime. Implementations must be safe for
// concurrent Eval calls; the server evaluates requests in parallel.
type Runtime interface {
	// NewFormReader returns a reader over one request's source text.
	NewFormReader(src io.Reader) FormReader

	// Eval evaluates one form under ec. ec carries the namespace, the
	// rebound stdin/stdout/stderr, and a context the evaluator should
	// poll at blocking points for cooperative interruption.
	Eval(ec *EvalContext, form Form) (Value, error)

	// Print renders v readably, honoring ec.Printer.
	Print(ec *EvalContext, v Value) (string, error)

	// ReadString parses one form's worth of printed representation back
	// into a value. Used by clients to read response values.
	ReadString(s string) (Value, error)

	// FormatTrace renders err for the err stream: the full cause chain
	// when detail is set, the short form otherwise.
	FormatTrace(err error, detail bool) string
}

// PrinterOptions are the per-session printer and evaluation toggles a
// driver installs before evaluating.
type PrinterOptions struct {
	Pretty           bool
	PrintLength      int
	PrintLevel       int
	PrintMeta        bool
	WarnOnReflection bool
	MathContext      string
	CompilePath      string
	CommandLineArgs  []string
	DetailOnError    bool
}

// EvalContext is the explicit evaluation context threaded through a driver
// run: what a thread-local-binding runtime would install per thread.
// It is owned by a single driver for the duration of one request.
type EvalContext struct {
	// Ctx is cancelled when the request is interrupted or times out.
	Ctx context.Context

	Namespace string

	// V1, V2, V3 are the last three printed values, most recent first.
	V1, V2, V3 Value

	// LastError is the most recent evaluation error.
	LastError error

	Printer PrinterOptions

	// Stdin is a reader over the request's "in" text.
	Stdin io.Reader

	// Stdout and Stderr are the capturing sinks for this request.
	Stdout io.Writer
	Stderr io.Writer
}

// RecordValue rotates the value history after a successful evaluation and
// tracks the namespace the value was produced in.
func (ec *EvalContext) RecordValue(v Value, ns string) {
	ec.V3, ec.V2, ec.V1 = ec.V2, ec.V1, v
	if ns != "" {
		ec.Namespace = ns
	}
}
