// Package session ties one logical run together: the provenance store,
// the relay, the dispatcher, the boundary layer and the graph bus are
// constructed at run start, shared by reference, and torn down at run
// end. The effective scope is still one table per run; what this package
// removes is implicit global initialization, not the global-table design.
package session

import (
	"sync/atomic"

	"flowtrace/internal/boundary"
	"flowtrace/internal/dispatch"
	"flowtrace/internal/graph"
	"flowtrace/internal/relay"
	"flowtrace/internal/taint"

	"go.uber.org/zap"
)

// Session is the run-lifetime aggregate.
type Session struct {
	Store      *taint.Store
	Relay      *relay.Relay
	Classifier *dispatch.Classifier
	Dispatcher *dispatch.Dispatcher
	Boundary   *boundary.Layer
	Bus        *graph.Bus
	Logger     *zap.Logger
}

// Config carries the knobs a session needs at construction.
type Config struct {
	StoreLimit int
	Model      string
	Client     boundary.Client
	Replay     boundary.ReplayCache
	Logger     *zap.Logger
}

// New builds a fully wired session.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := taint.NewStore(cfg.StoreLimit)
	rel := relay.New(logger)
	class := dispatch.NewClassifier()
	disp := dispatch.New(store, rel, class, logger)
	bus := graph.NewBus()
	bound := boundary.New(store, rel, bus, cfg.Client, cfg.Replay, cfg.Model, logger)

	return &Session{
		Store:      store,
		Relay:      rel,
		Classifier: class,
		Dispatcher: disp,
		Boundary:   bound,
		Bus:        bus,
		Logger:     logger,
	}
}

// Close tears the run down: records are dropped and the bus closed.
func (s *Session) Close() {
	s.Store.Clear()
	s.Bus.Close()
}

// current bridges into rewritten code. Rewritten source calls free
// functions in pkg/flowrt and cannot receive a session reference, so
// exactly one session may be active at a time; everything else takes the
// session explicitly.
var current atomic.Pointer[Session]

// Activate makes s the session rewritten code observes.
func Activate(s *Session) {
	current.Store(s)
}

// Deactivate clears the active session; rewritten code degrades to
// passthrough (no provenance, no dispatch).
func Deactivate() {
	current.Store(nil)
}

// Current returns the active session, or nil outside a run.
func Current() *Session {
	return current.Load()
}
