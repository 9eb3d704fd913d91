// Package zylisp adapts the Zylisp language runtime to the REPL server's
// runtime interfaces.
//
// The upstream reader has no incremental form API, so a request's source
// text is read as a single form; multi-form code still evaluates because
// the interpreter handles sequences, but it produces one printed value.
// The interpreter writes directly to process stdout, so side-effect output
// capture is not available through this adapter.
package zylisp

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zylisp/lang/interpreter"
	"github.com/zylisp/lang/parser"

	"github.com/zylisp/nrepl/runtime"
)

// Runtime evaluates Zylisp source against a single shared environment.
// Safe for concurrent use; evaluations are serialized because the
// environment is mutable.
type Runtime struct {
	mu  sync.Mutex
	env *interpreter.Env
}

// New creates a runtime with the standard primitives loaded.
func New() *Runtime {
	env := interpreter.NewEnv(nil)
	interpreter.LoadPrimitives(env)
	return &Runtime{env: env}
}

// Reset clears the environment and reloads primitives.
func (r *Runtime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.env = interpreter.NewEnv(nil)
	interpreter.LoadPrimitives(r.env)
}

// NewFormReader yields the whole source as one form.
func (r *Runtime) NewFormReader(src io.Reader) runtime.FormReader {
	return &sourceReader{src: src}
}

type sourceReader struct {
	src  io.Reader
	done bool
}

func (sr *sourceReader) ReadForm() (runtime.Form, error) {
	if sr.done {
		return nil, io.EOF
	}
	sr.done = true
	raw, err := io.ReadAll(sr.src)
	if err != nil {
		return nil, err
	}
	source := strings.TrimSpace(string(raw))
	if source == "" {
		return nil, io.EOF
	}
	return source, nil
}

// Eval tokenizes, parses, and evaluates one source form.
func (r *Runtime) Eval(ec *runtime.EvalContext, form runtime.Form) (runtime.Value, error) {
	source, ok := form.(string)
	if !ok {
		return nil, fmt.Errorf("zylisp: unexpected form type %T", form)
	}
	if ec.Namespace != "" && ec.Namespace != runtime.DefaultNamespace {
		return nil, fmt.Errorf("zylisp: namespace %q not supported", ec.Namespace)
	}

	tokens, err := parser.Tokenize(source)
	if err != nil {
		return nil, fmt.Errorf("tokenize error: %w", err)
	}
	expr, err := parser.Read(tokens)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	result, err := interpreter.Eval(expr, r.env)
	if err != nil {
		return nil, fmt.Errorf("eval error: %w", err)
	}
	return result, nil
}

// Print renders an evaluation result readably.
func (r *Runtime) Print(ec *runtime.EvalContext, v runtime.Value) (string, error) {
	if v == nil {
		return "nil", nil
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String(), nil
	}
	return fmt.Sprint(v), nil
}

// ReadString parses a printed value back into an expression.
func (r *Runtime) ReadString(s string) (runtime.Value, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("no form in input")
	}
	tokens, err := parser.Tokenize(s)
	if err != nil {
		return nil, fmt.Errorf("tokenize error: %w", err)
	}
	expr, err := parser.Read(tokens)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return expr, nil
}

// FormatTrace renders err for the err stream. The upstream interpreter
// carries no stack information, so detail mode only adds the cause chain.
func (r *Runtime) FormatTrace(err error, detail bool) string {
	if !detail {
		return err.Error()
	}
	var b strings.Builder
	b.WriteString(err.Error())
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		b.WriteString("\ncaused by: ")
		b.WriteString(cause.Error())
	}
	return b.String()
}
