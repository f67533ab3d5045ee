// Package flowrt is the runtime surface of instrumented code. The source
// rewriter replaces primitive operations with calls into this package;
// nothing else should import it. Every helper is a typed passthrough:
// with no active session, instrumented code behaves exactly like the
// original source.
package flowrt

import (
	"reflect"

	"flowtrace/internal/dispatch"
	"flowtrace/internal/relay"
	"flowtrace/internal/session"
	"flowtrace/internal/taint"
)

// Bind witnesses a simple binding. Provenance is keyed by value identity,
// so the binding itself preserves it structurally; the call exists so
// every rewritten binding goes through the engine and stays visible to
// it.
func Bind[T any](v T) T {
	return v
}

// Access propagates container provenance onto an accessed element: if
// elem carries no provenance of its own it inherits the container's set,
// and its own set wins otherwise. The container's record is never
// touched.
func Access[T any](container any, elem T) T {
	s := session.Current()
	if s == nil {
		return elem
	}
	out := s.Store.PropagateOnAccess(container, elem)
	if tv, ok := out.(T); ok {
		return tv
	}
	// The store had to box; a typed slot cannot hold the box, so the
	// element stays untainted here.
	return elem
}

// Bin attaches the union of the operands' provenance to the result of a
// binary or formatting operation. Results whose representation cannot
// carry identity (bare numerics, booleans) pass through untainted.
func Bin[T any](result T, operands ...any) T {
	s := session.Current()
	if s == nil {
		return result
	}
	union := s.Dispatcher.InputUnion(operands...)
	if union.Empty() {
		return result
	}
	out := s.Store.Attach(result, union)
	if tv, ok := out.(T); ok {
		return tv
	}
	return result
}

// Wrap routes a call through the execution dispatcher. For an
// instrumented callee the function is returned untouched and the call
// costs nothing; for an opaque callee the returned function runs the
// relay protocol: push the input union, invoke, pop on every exit path,
// attach the popped provenance to each result.
func Wrap[F any](symbol string, fn F) F {
	return wrapWithReceiver(symbol, fn, nil)
}

// WrapR is Wrap for method calls: recv participates in the input union.
func WrapR[F any](symbol string, fn F, recv any) F {
	return wrapWithReceiver(symbol, fn, recv)
}

func wrapWithReceiver[F any](symbol string, fn F, recv any) F {
	s := session.Current()
	if s == nil || s.Dispatcher.Kind(symbol) == dispatch.KindInstrumented {
		return fn
	}
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return fn
	}
	wrapped := reflect.MakeFunc(fv.Type(), func(args []reflect.Value) []reflect.Value {
		return invokeOpaque(s, fv, args, recv)
	})
	out, ok := wrapped.Interface().(F)
	if !ok {
		return fn
	}
	return out
}

// invokeOpaque is the opaque-call protocol around one invocation.
func invokeOpaque(s *session.Session, fv reflect.Value, args []reflect.Value, recv any) []reflect.Value {
	ec := relay.CurrentContext()

	inputs := make([]any, 0, len(args)+1)
	if recv != nil {
		inputs = append(inputs, recv)
	}
	for _, a := range args {
		if a.IsValid() && a.CanInterface() {
			inputs = append(inputs, a.Interface())
		}
	}
	s.Dispatcher.EnterOpaque(ec, inputs...)

	completed := false
	defer func() {
		if !completed {
			// Panic unwind: the frame still comes off.
			s.Dispatcher.ExitOpaque(ec)
		}
	}()

	var results []reflect.Value
	if fv.Type().IsVariadic() {
		results = fv.CallSlice(args)
	} else {
		results = fv.Call(args)
	}
	completed = true

	origins := s.Dispatcher.ExitOpaque(ec)
	if origins.Empty() {
		return results
	}
	for i := range results {
		results[i] = attachValue(s.Store, results[i], origins)
	}
	return results
}

// attachValue attaches origins to one reflect-level result, keeping its
// static type. Results the store must box are left untainted: a typed
// slot cannot hold the box.
func attachValue(store *taint.Store, rv reflect.Value, origins taint.OriginSet) reflect.Value {
	if !rv.IsValid() || !rv.CanInterface() {
		return rv
	}
	out := store.Attach(rv.Interface(), origins)
	ov := reflect.ValueOf(out)
	if !ov.IsValid() || !ov.Type().AssignableTo(rv.Type()) {
		return rv
	}
	nv := reflect.New(rv.Type()).Elem()
	nv.Set(ov)
	return nv
}

// Go spawns a goroutine with its own relay partition. The partition must
// be empty when the goroutine ends; leftovers are logged and discarded by
// the relay.
func Go(fn func()) {
	s := session.Current()
	go func() {
		if s != nil {
			ec := relay.CurrentContext()
			defer s.Relay.EndContext(ec)
		}
		fn()
	}()
}

// Origins reports the provenance of a value as sorted origin IDs. Meant
// for user-facing introspection and tests.
func Origins(v any) []string {
	s := session.Current()
	if s == nil {
		return nil
	}
	return s.Store.Read(v).Strings()
}
