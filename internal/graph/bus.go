package graph

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Bus collects call observations and dispatches them to subscribers.
// Sequence numbers give consumers a total order. Emission never blocks
// the host program: a subscriber that falls behind misses observations
// rather than stalling the run.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Observation
	enabled     atomic.Bool
	sequence    atomic.Uint64

	// Accumulated run history for Snapshot.
	history []Observation
}

// NewBus creates a bus; it starts enabled.
func NewBus() *Bus {
	b := &Bus{}
	b.enabled.Store(true)
	return b
}

// Enable activates emission.
func (b *Bus) Enable() { b.enabled.Store(true) }

// Disable drops subsequent emissions.
func (b *Bus) Disable() { b.enabled.Store(false) }

// Subscribe returns a buffered channel receiving future observations.
func (b *Bus) Subscribe() <-chan Observation {
	ch := make(chan Observation, 64)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch <-chan Observation) {
	if ch == nil {
		return
	}
	target := reflect.ValueOf(ch).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if reflect.ValueOf(sub).Pointer() == target {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

// Emit records an observation and fans it out. Safe from any goroutine.
func (b *Bus) Emit(node Node, edges []Edge) {
	if !b.enabled.Load() {
		return
	}
	obs := Observation{
		Seq:   b.sequence.Add(1),
		Node:  node,
		Edges: edges,
	}

	b.mu.Lock()
	b.history = append(b.history, obs)
	subs := make([]chan Observation, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- obs:
		default:
			// Slow consumer; dropping beats blocking the host program.
		}
	}
}

// Snapshot returns all observations emitted so far, in sequence order.
func (b *Bus) Snapshot() []Observation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Observation, len(b.history))
	copy(out, b.history)
	return out
}

// Reset clears the history at a run boundary. Subscribers stay attached.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}
