// Package taint implements the identity-keyed provenance store.
//
// The store maps a live value's identity to the set of external-call
// origins that influenced it. Identity is an address: the pointer of a
// reference-shaped value, the data pointer of a string, or the address of
// the Box a bare primitive gets coerced into. Every record owns a strong
// reference to its value; without that reference the runtime would be free
// to recycle the address for an unrelated value and silently corrupt
// provenance. That ownership rule is the load-bearing invariant of the
// whole engine, so it is enforced structurally here rather than checked
// after the fact.
package taint

import (
	"reflect"
	"sync"
	"unsafe"
)

// Box carries a value that has no addressable identity of its own
// (numbers, bools, structs). Attaching provenance to such a value coerces
// it into a Box; the Box's address is the identity from then on.
type Box struct {
	val any
}

// Value returns the boxed value.
func (b *Box) Value() any {
	if b == nil {
		return nil
	}
	return b.val
}

// Unbox unwraps v if it is a Box, otherwise returns v unchanged.
func Unbox(v any) any {
	if b, ok := v.(*Box); ok {
		return b.val
	}
	return v
}

type record struct {
	// ref keeps the value alive for as long as the record exists. For
	// strings this is the clone whose data pointer is the key; for boxed
	// values it is the Box itself.
	ref     any
	origins OriginSet
}

// Store is the one structure shared by every execution context. It is
// built once at run start, passed by reference to all components, and
// cleared at run end. A single mutex domain is enough: contention is low
// relative to call-site overhead.
type Store struct {
	mu    sync.RWMutex
	recs  map[uintptr]record
	order []uintptr // insertion order, for eviction
	limit int       // 0 means unbounded
}

// NewStore creates an empty store. limit caps the number of records;
// when exceeded the oldest records are evicted. Evicting a record is
// equivalent to the value never having been tainted, so the cap is purely
// a memory bound, not a semantic knob. Pass 0 for no cap.
func NewStore(limit int) *Store {
	return &Store{
		recs:  make(map[uintptr]record),
		limit: limit,
	}
}

// Attach records origins against v's identity and returns the value to use
// in place of v. It is a passthrough no-op when origins is empty. Values
// with no addressable identity are coerced: strings are cloned so the
// record owns a fresh, un-interned allocation (two equal short strings may
// share storage otherwise), and other primitives are wrapped in a Box.
// The returned value, not the argument, carries the provenance.
//
// Re-attaching replaces the record wholesale: a new record is inserted
// over the old one, never mutated in place.
func (s *Store) Attach(v any, origins OriginSet) any {
	if origins.Empty() || v == nil {
		return v
	}
	if str, ok := v.(string); ok && len(str) > 0 {
		// De-alias: force a unique backing array before keying on it.
		clone := string(append([]byte(nil), str...))
		s.insert(stringKey(clone), record{ref: clone, origins: origins})
		return clone
	}
	if key, ok := identity(v); ok {
		s.insert(key, record{ref: v, origins: origins})
		return v
	}
	b := &Box{val: v}
	s.insert(boxKey(b), record{ref: b, origins: origins})
	return b
}

// Read returns the provenance recorded for v, or the empty set. It never
// fails: values the store has no identity for simply read as untainted.
func (s *Store) Read(v any) OriginSet {
	key, ok := lookupKey(v)
	if !ok {
		return OriginSet{}
	}
	s.mu.RLock()
	rec, ok := s.recs[key]
	s.mu.RUnlock()
	if !ok {
		return OriginSet{}
	}
	return rec.origins
}

// ReadDeep unions a value's own provenance with that of the elements of
// a slice, array, or map. Element records are independent of the
// container's, so both levels contribute. Containers of element types
// that cannot hold a record (bare numerics, byte slices) are not walked.
func (s *Store) ReadDeep(v any) OriginSet {
	union := s.Read(v)
	rv := reflect.ValueOf(Unbox(v))
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if !elemCanCarryIdentity(rv.Type().Elem()) {
			break
		}
		for i := 0; i < rv.Len(); i++ {
			if e := rv.Index(i); e.CanInterface() {
				union = union.Union(s.Read(e.Interface()))
			}
		}
	case reflect.Map:
		if !elemCanCarryIdentity(rv.Type().Elem()) {
			break
		}
		iter := rv.MapRange()
		for iter.Next() {
			if e := iter.Value(); e.CanInterface() {
				union = union.Union(s.Read(e.Interface()))
			}
		}
	}
	return union
}

func elemCanCarryIdentity(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface, reflect.String, reflect.Pointer,
		reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return true
	}
	return false
}

// PropagateOnAccess implements the container-to-element fallback: when an
// accessed element has no provenance of its own, it inherits the
// container's set. The container's record is never touched, and an
// element that already carries provenance keeps it unchanged.
func (s *Store) PropagateOnAccess(container, elem any) any {
	if !s.Read(elem).Empty() {
		return elem
	}
	parent := s.Read(container)
	if parent.Empty() {
		return elem
	}
	return s.Attach(elem, parent)
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

// Clear drops every record. Called at run boundaries.
func (s *Store) Clear() {
	s.mu.Lock()
	s.recs = make(map[uintptr]record)
	s.order = nil
	s.mu.Unlock()
}

func (s *Store) insert(key uintptr, rec record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recs[key]; !exists {
		s.order = append(s.order, key)
	}
	s.recs[key] = rec
	if s.limit > 0 {
		s.evictLocked()
	}
}

// evictLocked drops oldest records until under the cap. Stale order
// entries (keys already replaced) are skipped.
func (s *Store) evictLocked() {
	for len(s.recs) > s.limit && len(s.order) > 0 {
		key := s.order[0]
		s.order = s.order[1:]
		delete(s.recs, key)
	}
}

// identity returns the address-equivalent key for reference-shaped
// values. The bool result is false for values with no stable identity.
func identity(v any) (uintptr, bool) {
	if b, ok := v.(*Box); ok {
		return boxKey(b), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	case reflect.Slice:
		if rv.IsNil() || rv.Cap() == 0 {
			return 0, false
		}
		return rv.Pointer(), true
	}
	return 0, false
}

// lookupKey is the read-side twin of identity: strings key on their data
// pointer without cloning.
func lookupKey(v any) (uintptr, bool) {
	if v == nil {
		return 0, false
	}
	if str, ok := v.(string); ok {
		if len(str) == 0 {
			return 0, false
		}
		return stringKey(str), true
	}
	return identity(v)
}

func stringKey(s string) uintptr {
	return uintptr(unsafe.Pointer(unsafe.StringData(s)))
}

func boxKey(b *Box) uintptr {
	return uintptr(unsafe.Pointer(b))
}
