package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zylisp/nrepl/protocol"
)

// pendingRequest tracks one in-flight evaluation: its interrupt flag, the
// cancellation handle for the worker, and the emission gate that keeps the
// terminal status last on the wire.
type pendingRequest struct {
	id     string
	cancel context.CancelFunc

	interrupted   atomic.Bool
	interruptCh   chan struct{}
	interruptOnce sync.Once

	// done is closed by the worker once the driver returns; err carries
	// the driver's failure, if any.
	done chan struct{}
	err  error

	// emitMu orders every write for this id. suppressed drops worker
	// emissions once the request is cancelled, timed out, or finished,
	// so "done" can never escape a cancelled request and nothing
	// follows the terminal status.
	emitMu     sync.Mutex
	suppressed bool
}

func newPending(id string, cancel context.CancelFunc) *pendingRequest {
	return &pendingRequest{
		id:          id,
		cancel:      cancel,
		interruptCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// interrupt requests best-effort cancellation: it sets the flag, suppresses
// further emissions, and cancels the worker's context. Code that never
// reaches a cancellation point keeps running, muted.
func (p *pendingRequest) interrupt() {
	p.interruptOnce.Do(func() {
		p.interrupted.Store(true)
		p.emitMu.Lock()
		p.suppressed = true
		p.emitMu.Unlock()
		p.cancel()
		close(p.interruptCh)
	})
}

// emit writes msg with the request id attached, unless suppressed.
func (p *pendingRequest) emit(write func(protocol.Message) error, msg protocol.Message) error {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.suppressed {
		return nil
	}
	msg[protocol.KeyID] = p.id
	return write(msg)
}

// emitTerminal writes the terminal status and suppresses everything after.
func (p *pendingRequest) emitTerminal(write func(protocol.Message) error, msg protocol.Message) error {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.suppressed = true
	msg[protocol.KeyID] = p.id
	return write(msg)
}

// dispatchRequest schedules req's evaluation on a worker and a second task
// that awaits it under the request deadline, emitting exactly one terminal
// status. It returns the request id without waiting.
func (s *Server) dispatchRequest(c *conn, req protocol.Message) string {
	id := req.ID()
	if id == "" {
		id = uuid.NewString()
	}
	timeout := time.Duration(req.TimeoutMillis()) * time.Millisecond

	ctx, cancel := context.WithCancel(s.ctx)
	p := newPending(id, cancel)
	if !s.addPending(p) {
		cancel()
		c.respondError(req, "Duplicate request id: "+id)
		return id
	}

	emit := func(msg protocol.Message) error {
		err := p.emit(c.write, msg)
		if err != nil {
			s.logger.Warn("response write failed",
				zap.String("id", id), zap.Error(err))
		}
		return err
	}

	out := newOutSink(protocol.KeyOut, emit)
	errs := newOutSink(protocol.KeyErr, emit)
	d := &driver{rt: s.rt, sess: c.session, out: out, errs: errs, emit: emit}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("worker panic: %v", r)
			}
			out.Close()
			errs.Close()
		}()
		p.err = d.run(ctx, req)
	}()

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.removePending(id)

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		var terminal protocol.Message
		select {
		case <-p.done:
			switch {
			case p.interrupted.Load():
				terminal = protocol.Message{protocol.KeyStatus: protocol.StatusInterrupted}
			case errors.Is(p.err, context.Canceled):
				// Server shutdown cancelled the run; the work did not
				// complete, so it must not read as done.
				terminal = protocol.Message{protocol.KeyStatus: protocol.StatusInterrupted}
			case p.err != nil:
				s.logger.Error("request failed",
					zap.String("id", id), zap.Error(p.err))
				terminal = protocol.Message{
					protocol.KeyStatus: protocol.StatusServerFailure,
					protocol.KeyError:  p.err.Error(),
				}
			default:
				terminal = protocol.Message{protocol.KeyStatus: protocol.StatusDone}
			}
		case <-p.interruptCh:
			terminal = protocol.Message{protocol.KeyStatus: protocol.StatusInterrupted}
		case <-timer.C:
			p.interrupt()
			terminal = protocol.Message{protocol.KeyStatus: protocol.StatusTimeout}
		}

		if err := p.emitTerminal(c.write, terminal); err != nil {
			s.logger.Debug("terminal status write failed",
				zap.String("id", id), zap.Error(err))
		}
	}()

	return id
}

// addPending registers p, refusing an id that is already in flight so a
// duplicate cannot shadow the original in the interrupt registry.
func (s *Server) addPending(p *pendingRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[p.id]; exists {
		return false
	}
	s.pending[p.id] = p
	return true
}

func (s *Server) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Server) lookupPending(id string) (*pendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	return p, ok
}
