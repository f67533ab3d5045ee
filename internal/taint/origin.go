package taint

import (
	"sort"
	"strings"
)

// Origin identifies one external call that influenced a value. Origins are
// minted by the boundary layer (one per watched call) and are opaque here.
type Origin string

// OriginSet is an immutable set of origins. The zero value is the empty set.
// All operations return new sets; a set handed to the store is never
// mutated afterwards.
type OriginSet struct {
	m map[Origin]struct{}
}

// NewOriginSet builds a set from the given origins.
func NewOriginSet(origins ...Origin) OriginSet {
	if len(origins) == 0 {
		return OriginSet{}
	}
	m := make(map[Origin]struct{}, len(origins))
	for _, o := range origins {
		m[o] = struct{}{}
	}
	return OriginSet{m: m}
}

// Empty reports whether the set contains no origins.
func (s OriginSet) Empty() bool {
	return len(s.m) == 0
}

// Len returns the number of origins in the set.
func (s OriginSet) Len() int {
	return len(s.m)
}

// Contains reports whether o is in the set.
func (s OriginSet) Contains(o Origin) bool {
	_, ok := s.m[o]
	return ok
}

// Union returns a new set holding every origin from s and other. When one
// side is empty the other is returned as-is; sets are never shared for
// mutation so this is safe.
func (s OriginSet) Union(other OriginSet) OriginSet {
	if other.Empty() {
		return s
	}
	if s.Empty() {
		return other
	}
	m := make(map[Origin]struct{}, len(s.m)+len(other.m))
	for o := range s.m {
		m[o] = struct{}{}
	}
	for o := range other.m {
		m[o] = struct{}{}
	}
	return OriginSet{m: m}
}

// Equal reports whether both sets contain exactly the same origins.
func (s OriginSet) Equal(other OriginSet) bool {
	if len(s.m) != len(other.m) {
		return false
	}
	for o := range s.m {
		if _, ok := other.m[o]; !ok {
			return false
		}
	}
	return true
}

// Slice returns the origins in sorted order. Sorting keeps log lines and
// emitted graph edges deterministic.
func (s OriginSet) Slice() []Origin {
	if len(s.m) == 0 {
		return nil
	}
	out := make([]Origin, 0, len(s.m))
	for o := range s.m {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted origins as plain strings.
func (s OriginSet) Strings() []string {
	origins := s.Slice()
	if origins == nil {
		return nil
	}
	out := make([]string, len(origins))
	for i, o := range origins {
		out[i] = string(o)
	}
	return out
}

func (s OriginSet) String() string {
	return "{" + strings.Join(s.Strings(), ", ") + "}"
}
