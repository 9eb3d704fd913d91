package server

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/runtime"
	"github.com/zylisp/nrepl/session"
)

// driver runs the read-eval-print loop for one request: it reads top-level
// forms from the request's code, evaluates each under the session's
// bindings, and emits value, out, and err responses. Terminal statuses are
// the caller's concern.
type driver struct {
	rt   runtime.Runtime
	sess *session.State
	out  *outSink
	errs *outSink
	emit func(protocol.Message) error
}

// run evaluates req end to end. The returned error is nil for a normal
// completion (evaluation errors included: the loop recovers form by form),
// ctx.Err() when interrupted, or an internal failure.
func (d *driver) run(ctx context.Context, req protocol.Message) error {
	ec := &runtime.EvalContext{
		Ctx:    ctx,
		Stdin:  strings.NewReader(req.Input()),
		Stdout: d.out,
		Stderr: d.errs,
	}
	d.sess.Apply(ec)
	if ns := req.Namespace(); ns != "" {
		ec.Namespace = ns
	}

	defer func() {
		d.out.Flush()
		d.errs.Flush()
	}()

	forms := d.rt.NewFormReader(strings.NewReader(req.Code()))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		form, err := forms.ReadForm()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// The reader cannot make progress past a bad form, so
			// report and stop instead of recovering.
			d.evalError(ec, err)
			return nil
		}

		value, err := d.rt.Eval(ec, form)
		if err != nil {
			d.evalError(ec, err)
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			continue
		}

		printed, err := d.rt.Print(ec, value)
		if err != nil {
			d.evalError(ec, err)
			continue
		}

		// Side-effect output from this form precedes its value.
		if err := d.out.Flush(); err != nil {
			return err
		}
		if err := d.errs.Flush(); err != nil {
			return err
		}
		if err := d.emit(protocol.Message{
			protocol.KeyValue:     printed,
			protocol.KeyNamespace: ec.Namespace,
		}); err != nil {
			return err
		}
		ec.RecordValue(value, ec.Namespace)
		d.sess.RecordValue(value, ec.Namespace)
	}
}

// evalError records err on the session, writes its trace to the err sink,
// and emits the non-terminal error status.
func (d *driver) evalError(ec *runtime.EvalContext, err error) {
	ec.LastError = err
	d.sess.RecordError(err)

	trace := d.rt.FormatTrace(err, ec.Printer.DetailOnError)
	io.WriteString(d.errs, trace+"\n")

	d.out.Flush()
	d.errs.Flush()
	d.emit(protocol.Message{protocol.KeyStatus: protocol.StatusError})
}
