// Package session tracks the mutable evaluation bindings associated with a
// logical REPL user: namespace, recent values, last error, and printer
// toggles. A session may be retained in a Store under an opaque id so later
// connections can rebind it.
package session

import (
	"sync"

	"github.com/zylisp/nrepl/runtime"
)

// State holds one session's bindings. Fields are guarded by an internal
// mutex; concurrent requests against the same retained session are
// last-writer-wins.
type State struct {
	mu sync.Mutex

	id         string
	namespace  string
	v1, v2, v3 runtime.Value
	lastError  error
	printer    runtime.PrinterOptions
}

// New creates a fresh, unretained session in the default namespace.
func New() *State {
	return &State{namespace: runtime.DefaultNamespace}
}

// ID returns the session's opaque id, or "" while unretained.
func (s *State) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Apply copies the session's bindings into an evaluation context at the
// start of a driver run.
func (s *State) Apply(ec *runtime.EvalContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec.Namespace = s.namespace
	ec.V1, ec.V2, ec.V3 = s.v1, s.v2, s.v3
	ec.LastError = s.lastError
	ec.Printer = s.printer
}

// RecordValue rotates the value history (v3 ← v2 ← v1 ← v) and updates the
// session namespace. Called once per printed value.
func (s *State) RecordValue(v runtime.Value, ns string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v3, s.v2, s.v1 = s.v2, s.v1, v
	if ns != "" {
		s.namespace = ns
	}
}

// RecordError notes the most recent evaluation error.
func (s *State) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err
}

// Values returns the last three printed values, most recent first.
func (s *State) Values() (v1, v2, v3 runtime.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v1, s.v2, s.v3
}

// Namespace returns the session's current namespace.
func (s *State) Namespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace
}

// LastError returns the most recent evaluation error, or nil.
func (s *State) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Printer returns the session's printer toggles.
func (s *State) Printer() runtime.PrinterOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.printer
}

// SetPrinter replaces the session's printer toggles.
func (s *State) SetPrinter(opts runtime.PrinterOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.printer = opts
}

// setID records the id assigned on retain, keeping the first one so retain
// stays idempotent.
func (s *State) setID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		s.id = id
	}
	return s.id
}
