package dispatch

import (
	"strings"
	"sync"
)

// Kind says which propagation strategy applies to a callable.
type Kind uint8

const (
	// KindOpaque means the callee was not rewritten: the relay-based
	// protocol applies. This is also the conservative answer for any
	// callable whose origin cannot be determined.
	KindOpaque Kind = iota
	// KindInstrumented means the callee's body is rewritten source and
	// propagates provenance itself; calls go through directly.
	KindInstrumented
)

func (k Kind) String() string {
	if k == KindInstrumented {
		return "instrumented"
	}
	return "opaque"
}

// Classifier resolves callables to a Kind by the static origin of the
// callee: a symbol is instrumented when its defining package is one the
// rewriter processed this run. Resolution happens once per symbol and is
// memoized; call sites never re-classify.
type Classifier struct {
	mu           sync.RWMutex
	instrumented map[string]bool // package path or name -> processed
	memo         map[string]Kind // full symbol -> kind
}

// NewClassifier creates an empty classifier; every symbol is opaque until
// packages are marked.
func NewClassifier() *Classifier {
	return &Classifier{
		instrumented: make(map[string]bool),
		memo:         make(map[string]Kind),
	}
}

// MarkInstrumented registers a package the rewriter processed. Existing
// memoized answers for the package are refreshed.
func (c *Classifier) MarkInstrumented(pkg string) {
	c.mu.Lock()
	c.instrumented[pkg] = true
	for sym := range c.memo {
		if symbolPackage(sym) == pkg {
			c.memo[sym] = KindInstrumented
		}
	}
	c.mu.Unlock()
}

// Classify resolves a symbol of the form "pkg.Func" or "pkg/path.Func".
// Symbols with no resolvable package (dynamically constructed callables,
// method values on unknown receivers) classify as opaque.
func (c *Classifier) Classify(symbol string) Kind {
	c.mu.RLock()
	k, ok := c.memo[symbol]
	c.mu.RUnlock()
	if ok {
		return k
	}

	k = KindOpaque
	if pkg := symbolPackage(symbol); pkg != "" {
		c.mu.RLock()
		if c.instrumented[pkg] {
			k = KindInstrumented
		}
		c.mu.RUnlock()
	}

	c.mu.Lock()
	c.memo[symbol] = k
	c.mu.Unlock()
	return k
}

// symbolPackage returns the package part of a symbol, or "" when there is
// none to resolve.
func symbolPackage(symbol string) string {
	i := strings.LastIndex(symbol, ".")
	if i <= 0 {
		return ""
	}
	return symbol[:i]
}
