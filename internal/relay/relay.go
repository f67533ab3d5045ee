// Package relay carries provenance across code the engine never rewrote.
//
// While control is inside an opaque call, the ambient provenance of that
// call lives on a stack: the dispatcher pushes the union of the inputs'
// origins before invoking, a boundary wrapper may replace the top with a
// more specific set, and the dispatcher pops on return. Frames form a
// stack because opaque calls nest (a library can call back into user code
// that calls another opaque function); a single slot would let the inner
// call clobber the outer one's provenance.
//
// Stacks are partitioned per execution context. A context is a goroutine,
// identified by its runtime goroutine ID: goroutine IDs are stable for the
// life of the goroutine and never reused within a process, which makes
// them a sound partition key where an ambient context primitive would not
// be (a snapshotted context can be discarded by library code, silently
// losing frame updates).
package relay

import (
	"sync"

	"flowtrace/internal/taint"

	"go.uber.org/zap"
)

// ContextID identifies one execution context (goroutine).
type ContextID uint64

// Relay holds the per-context frame stacks. Frames never cross contexts;
// the only shared state is the map itself, guarded by one mutex.
type Relay struct {
	mu     sync.Mutex
	stacks map[ContextID][]taint.OriginSet
	logger *zap.Logger
}

// New creates a relay. logger may be nil.
func New(logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		stacks: make(map[ContextID][]taint.OriginSet),
		logger: logger,
	}
}

// Push adds a frame carrying origins to ctx's stack.
func (r *Relay) Push(ctx ContextID, origins taint.OriginSet) {
	r.mu.Lock()
	r.stacks[ctx] = append(r.stacks[ctx], origins)
	r.mu.Unlock()
}

// Pop removes and returns the top frame of ctx's stack.
//
// A pop with no matching push is an internal-consistency error local to
// that context: it is logged, the context's relay state is reset, and the
// empty set is returned. Provenance degrades; the host program never
// crashes.
func (r *Relay) Pop(ctx ContextID) taint.OriginSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.stacks[ctx]
	if len(stack) == 0 {
		r.logger.Warn("relay stack imbalance: pop without matching push",
			zap.Uint64("context", uint64(ctx)))
		delete(r.stacks, ctx)
		return taint.OriginSet{}
	}
	top := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(r.stacks, ctx)
	} else {
		r.stacks[ctx] = stack
	}
	return top
}

// Top returns the top frame's origins without popping. ok is false when
// ctx has no frames.
func (r *Relay) Top(ctx ContextID) (taint.OriginSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.stacks[ctx]
	if len(stack) == 0 {
		return taint.OriginSet{}, false
	}
	return stack[len(stack)-1], true
}

// ReplaceTop overwrites the top frame's origins. This is how a boundary
// wrapper running inside an opaque call hands a fresh, more specific
// provenance set back to the dispatcher. Returns false when ctx has no
// frames (the wrapper was not called under the opaque protocol).
func (r *Relay) ReplaceTop(ctx ContextID, origins taint.OriginSet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.stacks[ctx]
	if len(stack) == 0 {
		return false
	}
	stack[len(stack)-1] = origins
	return true
}

// Depth returns the number of frames on ctx's stack.
func (r *Relay) Depth(ctx ContextID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stacks[ctx])
}

// EndContext verifies the stack-balance invariant at the end of a
// context's top-level call: the stack must be empty. Leftover frames are
// logged and discarded.
func (r *Relay) EndContext(ctx ContextID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.stacks[ctx]); n > 0 {
		r.logger.Warn("relay stack imbalance: frames left at context end",
			zap.Uint64("context", uint64(ctx)),
			zap.Int("leaked", n))
	}
	delete(r.stacks, ctx)
}

// Reset discards ctx's stack without logging. Used when tearing down a
// run as a whole.
func (r *Relay) Reset(ctx ContextID) {
	r.mu.Lock()
	delete(r.stacks, ctx)
	r.mu.Unlock()
}
