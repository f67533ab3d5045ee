// Package graph describes observed provenance links as nodes and edges
// for an external consumer. One node per watched boundary call, one edge
// per origin that influenced that call's input. Delivery beyond the
// in-process bus (sockets, queues) belongs to the consumer, not here.
package graph

// Node describes one watched boundary call.
type Node struct {
	ID     string `json:"id"`     // fresh origin minted for this call
	Kind   string `json:"kind"`   // entry point name, e.g. "llm.complete"
	Label  string `json:"label"`  // short human label (model name, op)
	File   string `json:"file"`   // code location of the call site
	Line   int    `json:"line"`
	Input  string `json:"input"`  // input snapshot at call time
	Output string `json:"output"` // output snapshot after return
}

// Edge records that the node From's output influenced To's input.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Observation is one emitted record: the node plus the edges derived from
// the input provenance read at call time.
type Observation struct {
	Seq   uint64 `json:"seq"`
	Node  Node   `json:"node"`
	Edges []Edge `json:"edges"`
}
