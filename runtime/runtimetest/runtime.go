// Package runtimetest provides a small in-memory lisp implementing the
// runtime interfaces, sufficient to exercise the server and client without
// an external language dependency: literals, arithmetic, def/lookup per
// namespace, printing, read-line, and a context-aware sleep.
package runtimetest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zylisp/nrepl/runtime"
)

// Symbol is an identifier form.
type Symbol string

// Runtime is the test evaluator. Definitions live per namespace and are
// shared by all sessions, mirroring how vars behave in a real host runtime.
// Safe for concurrent use.
type Runtime struct {
	mu         sync.Mutex
	namespaces map[string]map[Symbol]runtime.Value
}

// New creates a runtime with an empty default namespace.
func New() *Runtime {
	return &Runtime{
		namespaces: map[string]map[Symbol]runtime.Value{
			runtime.DefaultNamespace: {},
		},
	}
}

// Define binds name to v in namespace ns, creating ns if needed.
func (rt *Runtime) Define(ns string, name string, v runtime.Value) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.bindings(ns)[Symbol(name)] = v
}

func (rt *Runtime) bindings(ns string) map[Symbol]runtime.Value {
	b, ok := rt.namespaces[ns]
	if !ok {
		b = map[Symbol]runtime.Value{}
		rt.namespaces[ns] = b
	}
	return b
}

func (rt *Runtime) lookup(ns string, sym Symbol) (runtime.Value, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	v, ok := rt.namespaces[ns][sym]
	return v, ok
}

// NewFormReader returns a reader yielding one top-level form per call.
func (rt *Runtime) NewFormReader(src io.Reader) runtime.FormReader {
	return &formReader{r: bufio.NewReader(src)}
}

// Eval evaluates one form under ec.
func (rt *Runtime) Eval(ec *runtime.EvalContext, form runtime.Form) (runtime.Value, error) {
	switch f := form.(type) {
	case nil, bool, int64, string:
		return f, nil
	case Symbol:
		if v, ok := rt.lookup(ec.Namespace, f); ok {
			return v, nil
		}
		return nil, fmt.Errorf("unable to resolve symbol: %s in this context", f)
	case []any:
		return rt.evalList(ec, f)
	default:
		return nil, fmt.Errorf("cannot evaluate form of type %T", form)
	}
}

func (rt *Runtime) evalList(ec *runtime.EvalContext, f []any) (runtime.Value, error) {
	if len(f) == 0 {
		return []any{}, nil
	}
	head, ok := f[0].(Symbol)
	if !ok {
		return nil, fmt.Errorf("cannot call %v", f[0])
	}

	switch head {
	case "quote":
		if len(f) != 2 {
			return nil, errors.New("quote expects one argument")
		}
		return f[1], nil

	case "def":
		if len(f) != 3 {
			return nil, errors.New("def expects a name and a value")
		}
		name, ok := f[1].(Symbol)
		if !ok {
			return nil, fmt.Errorf("def expects a symbol, got %v", f[1])
		}
		v, err := rt.Eval(ec, f[2])
		if err != nil {
			return nil, err
		}
		rt.Define(ec.Namespace, string(name), v)
		return name, nil

	case "in-ns":
		if len(f) != 2 {
			return nil, errors.New("in-ns expects a namespace name")
		}
		arg, err := rt.Eval(ec, f[1])
		if err != nil {
			return nil, err
		}
		var ns string
		switch n := arg.(type) {
		case string:
			ns = n
		case Symbol:
			ns = string(n)
		default:
			return nil, fmt.Errorf("in-ns expects a name, got %v", arg)
		}
		rt.mu.Lock()
		rt.bindings(ns)
		rt.mu.Unlock()
		ec.Namespace = ns
		return Symbol(ns), nil

	case "do":
		var last runtime.Value
		for _, sub := range f[1:] {
			v, err := rt.Eval(ec, sub)
			if err != nil {
				return nil, err
			}
			last = v
		}
		return last, nil
	}

	args := make([]runtime.Value, 0, len(f)-1)
	for _, sub := range f[1:] {
		v, err := rt.Eval(ec, sub)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return rt.apply(ec, head, args)
}

func (rt *Runtime) apply(ec *runtime.EvalContext, head Symbol, args []runtime.Value) (runtime.Value, error) {
	switch head {
	case "+", "-", "*", "/":
		return arith(string(head), args)

	case "list":
		return []any(args), nil

	case "str":
		var b strings.Builder
		for _, a := range args {
			b.WriteString(plain(a))
		}
		return b.String(), nil

	case "print", "println":
		for i, a := range args {
			if i > 0 {
				io.WriteString(ec.Stdout, " ")
			}
			io.WriteString(ec.Stdout, plain(a))
		}
		if head == "println" {
			io.WriteString(ec.Stdout, "\n")
		}
		return nil, nil

	case "eprint":
		for i, a := range args {
			if i > 0 {
				io.WriteString(ec.Stderr, " ")
			}
			io.WriteString(ec.Stderr, plain(a))
		}
		return nil, nil

	case "read-line":
		return readLine(ec.Stdin)

	case "sleep":
		if len(args) != 1 {
			return nil, errors.New("sleep expects milliseconds")
		}
		ms, ok := args[0].(int64)
		if !ok {
			return nil, fmt.Errorf("sleep expects an integer, got %v", args[0])
		}
		ctx := ec.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return nil, nil
		}

	case "panic!":
		// Escapes the evaluator entirely; exercises worker-level
		// failure handling.
		msg := "panic!"
		if len(args) > 0 {
			msg = plain(args[0])
		}
		panic(msg)

	default:
		if v, ok := rt.lookup(ec.Namespace, head); ok {
			return nil, fmt.Errorf("%s is not callable: %v", head, v)
		}
		return nil, fmt.Errorf("unable to resolve symbol: %s in this context", head)
	}
}

func arith(op string, args []runtime.Value) (runtime.Value, error) {
	nums := make([]int64, len(args))
	for i, a := range args {
		n, ok := a.(int64)
		if !ok {
			return nil, fmt.Errorf("%s expects integers, got %v", op, a)
		}
		nums[i] = n
	}
	switch op {
	case "+":
		var sum int64
		for _, n := range nums {
			sum += n
		}
		return sum, nil
	case "*":
		var prod int64 = 1
		for _, n := range nums {
			prod *= n
		}
		return prod, nil
	case "-":
		if len(nums) == 0 {
			return nil, errors.New("- expects at least one argument")
		}
		if len(nums) == 1 {
			return -nums[0], nil
		}
		acc := nums[0]
		for _, n := range nums[1:] {
			acc -= n
		}
		return acc, nil
	case "/":
		if len(nums) == 0 {
			return nil, errors.New("/ expects at least one argument")
		}
		acc := nums[0]
		for _, n := range nums[1:] {
			if n == 0 {
				return nil, errors.New("divide by zero")
			}
			acc /= n
		}
		return acc, nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func readLine(r io.Reader) (runtime.Value, error) {
	if r == nil {
		return nil, nil
	}
	var b strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				return b.String(), nil
			}
			b.WriteByte(buf[0])
		}
		if err != nil {
			if b.Len() == 0 {
				return nil, nil
			}
			return b.String(), nil
		}
	}
}

// Print renders v readably. Pretty mode breaks list elements onto separate
// lines; PrintLength truncates long lists.
func (rt *Runtime) Print(ec *runtime.EvalContext, v runtime.Value) (string, error) {
	return render(v, ec.Printer), nil
}

func render(v runtime.Value, opts runtime.PrinterOptions) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case string:
		return strconv.Quote(t)
	case Symbol:
		return string(t)
	case []any:
		elems := t
		truncated := false
		if opts.PrintLength > 0 && len(elems) > opts.PrintLength {
			elems = elems[:opts.PrintLength]
			truncated = true
		}
		parts := make([]string, 0, len(elems)+1)
		for _, e := range elems {
			parts = append(parts, render(e, opts))
		}
		if truncated {
			parts = append(parts, "...")
		}
		sep := " "
		if opts.Pretty {
			sep = "\n "
		}
		return "(" + strings.Join(parts, sep) + ")"
	default:
		return fmt.Sprint(t)
	}
}

// plain renders v for the output stream: strings unquoted, everything else
// as Print.
func plain(v runtime.Value) string {
	if s, ok := v.(string); ok {
		return s
	}
	return render(v, runtime.PrinterOptions{})
}

// ReadString parses one form from its printed representation.
func (rt *Runtime) ReadString(s string) (runtime.Value, error) {
	fr := rt.NewFormReader(strings.NewReader(s))
	form, err := fr.ReadForm()
	if err == io.EOF {
		return nil, errors.New("no form in input")
	}
	if err != nil {
		return nil, err
	}
	return form, nil
}

// FormatTrace renders err for the err stream. Detail mode appends the
// cause chain, one cause per line.
func (rt *Runtime) FormatTrace(err error, detail bool) string {
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
