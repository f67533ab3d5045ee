// Package dispatch routes every call in instrumented code through one
// chokepoint and decides, per call site, whether propagation is automatic
// (the callee is rewritten source) or must be relayed across an opaque
// boundary.
package dispatch

import (
	"flowtrace/internal/relay"
	"flowtrace/internal/taint"

	"go.uber.org/zap"
)

// Dispatcher implements the opaque-call protocol on top of the store and
// the relay. Instrumented calls never reach it beyond classification.
type Dispatcher struct {
	store  *taint.Store
	relay  *relay.Relay
	class  *Classifier
	logger *zap.Logger
}

// New wires a dispatcher. logger may be nil.
func New(store *taint.Store, rel *relay.Relay, class *Classifier, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: store, relay: rel, class: class, logger: logger}
}

// Kind classifies a symbol; see Classifier.
func (d *Dispatcher) Kind(symbol string) Kind {
	return d.class.Classify(symbol)
}

// InputUnion computes the union of the provenance of a receiver and all
// arguments. Nested elements of slices and maps contribute too, so
// tainted items inside an argument collection are not lost at the
// boundary.
func (d *Dispatcher) InputUnion(inputs ...any) taint.OriginSet {
	union := taint.OriginSet{}
	for _, in := range inputs {
		union = union.Union(d.store.ReadDeep(in))
	}
	return union
}

// EnterOpaque begins the opaque-call protocol: the union of the inputs'
// provenance is pushed as a relay frame on the calling context's stack.
// Every EnterOpaque must be paired with exactly one ExitOpaque on the
// same context, on the unwind path included.
func (d *Dispatcher) EnterOpaque(ctx relay.ContextID, inputs ...any) {
	d.relay.Push(ctx, d.InputUnion(inputs...))
}

// ExitOpaque ends the protocol: the top frame is popped and returned. A
// boundary wrapper may have replaced the frame with a more specific set
// ("this value originated at call #7") — whatever is on top now is the
// provenance of the call's result.
func (d *Dispatcher) ExitOpaque(ctx relay.ContextID) taint.OriginSet {
	return d.relay.Pop(ctx)
}

// CallOpaque runs one complete opaque call around invoke: push the input
// union, invoke, pop on any exit path, and attach the popped provenance
// to the result. This is the untyped form used when no static result type
// is available; rewritten source uses the typed wrappers in pkg/flowrt,
// which follow the same protocol.
func (d *Dispatcher) CallOpaque(ctx relay.ContextID, invoke func() any, inputs ...any) any {
	d.EnterOpaque(ctx, inputs...)
	completed := false
	defer func() {
		if !completed {
			// Unwinding from a panic or cancellation: the frame must
			// still come off or later reads on this context corrupt.
			d.ExitOpaque(ctx)
		}
	}()

	out := invoke()
	completed = true

	origins := d.ExitOpaque(ctx)
	if origins.Empty() {
		return out
	}
	return d.store.Attach(out, origins)
}
