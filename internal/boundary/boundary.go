// Package boundary intercepts the fixed set of entry points the engine
// watches: the LLM call and a few structured-data operations. Each
// wrapper reads input provenance explicitly, mints a fresh origin for the
// call, applies the entry point's output policy, and emits one
// call-observation record for the graph consumer. That emission is the
// only externally visible effect of this layer besides provenance
// attachment.
package boundary

import (
	"context"
	"encoding/json"
	"fmt"

	"flowtrace/internal/graph"
	"flowtrace/internal/relay"
	"flowtrace/internal/taint"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Watched entry point names. Policies and graph node kinds key on these.
const (
	EntryLLMComplete = "llm.complete"
	EntryEncodeJSON  = "data.encode_json"
	EntryDecodeJSON  = "data.decode_json"
)

// Policy decides how a watched call's output provenance relates to its
// input provenance.
type Policy uint8

const (
	// PolicyReplace: the output carries only the fresh origin minted for
	// this call. Input influence is reported as graph edges, not merged
	// into the output's set. This is the LLM policy: the response is a
	// new artifact, and the edges already record what fed it.
	PolicyReplace Policy = iota
	// PolicyUnion: the fresh origin is unioned with the input
	// provenance. Used for structural transforms (encode/decode), where
	// the output literally contains the inputs.
	PolicyUnion
)

// ReplayCache may substitute a previously cached output for a real call.
// It receives the raw input together with its provenance so it can
// compute whatever fingerprint it wants; the engine does not prescribe
// one.
type ReplayCache interface {
	Lookup(entry, model, input string, origins []string) (string, bool)
	Record(entry, model, input string, origins []string, output string) error
}

// Layer implements the watched entry points.
type Layer struct {
	store    *taint.Store
	relay    *relay.Relay
	bus      *graph.Bus
	client   Client
	replay   ReplayCache
	model    string
	policies map[string]Policy
	logger   *zap.Logger
}

// New wires the boundary layer. replay may be nil (always call the real
// backend); logger may be nil.
func New(store *taint.Store, rel *relay.Relay, bus *graph.Bus, client Client, replay ReplayCache, model string, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{
		store:  store,
		relay:  rel,
		bus:    bus,
		client: client,
		replay: replay,
		model:  model,
		policies: map[string]Policy{
			EntryLLMComplete: PolicyReplace,
			EntryEncodeJSON:  PolicyUnion,
			EntryDecodeJSON:  PolicyUnion,
		},
		logger: logger,
	}
}

// SetPolicy overrides the output policy for one entry point.
func (l *Layer) SetPolicy(entry string, p Policy) {
	l.policies[entry] = p
}

// Complete is the watched LLM entry point. Input provenance is read from
// the prompt's record, falling back to the ambient relay frame when the
// call arrives through opaque code. Output provenance is attached after
// the replay-substitution decision, so a cached output and a real one are
// indistinguishable to the rest of the engine.
func (l *Layer) Complete(ctx context.Context, prompt string) (string, error) {
	ec := relay.CurrentContext()
	inputs := l.inputOrigins(ec, prompt)

	output, replayed := "", false
	if l.replay != nil {
		output, replayed = l.replay.Lookup(EntryLLMComplete, l.model, prompt, inputs.Strings())
	}
	if !replayed {
		if l.client == nil {
			return "", ErrNoClient
		}
		out, err := l.client.Complete(ctx, prompt)
		if err != nil {
			return "", err
		}
		output = out
		if l.replay != nil {
			if rerr := l.replay.Record(EntryLLMComplete, l.model, prompt, inputs.Strings(), output); rerr != nil {
				l.logger.Debug("replay record failed", zap.Error(rerr))
			}
		}
	}

	origin := l.mintOrigin()
	outSet := l.outputSet(EntryLLMComplete, origin, inputs)
	l.observe(EntryLLMComplete, origin, l.model, prompt, output, inputs)

	return l.attachString(ec, output, outSet), nil
}

// EncodeJSON is a watched structured-data entry point: it marshals v and
// carries the provenance of v (and its immediate elements) onto the
// encoded text.
func (l *Layer) EncodeJSON(v any) (string, error) {
	ec := relay.CurrentContext()
	inputs := l.store.ReadDeep(v)
	if inputs.Empty() {
		if top, ok := l.relay.Top(ec); ok {
			inputs = top
		}
	}

	data, err := json.Marshal(taint.Unbox(v))
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	output := string(data)

	origin := l.mintOrigin()
	outSet := l.outputSet(EntryEncodeJSON, origin, inputs)
	l.observe(EntryEncodeJSON, origin, "json", snippet(v), output, inputs)

	return l.attachString(ec, output, outSet), nil
}

// DecodeJSON is the inverse entry point: it unmarshals data into v and
// taints v with the text's provenance.
func (l *Layer) DecodeJSON(data string, v any) error {
	ec := relay.CurrentContext()
	inputs := l.inputOrigins(ec, data)

	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	origin := l.mintOrigin()
	outSet := l.outputSet(EntryDecodeJSON, origin, inputs)
	l.observe(EntryDecodeJSON, origin, "json", data, snippet(v), inputs)

	// v is a pointer, so attachment keeps its representation.
	if !l.relay.ReplaceTop(ec, outSet) {
		l.store.Attach(v, outSet)
	}
	return nil
}

// inputOrigins reads a value's provenance, falling back to the relay's
// top frame for calls arriving through opaque code.
func (l *Layer) inputOrigins(ec relay.ContextID, v any) taint.OriginSet {
	origins := l.store.Read(v)
	if !origins.Empty() {
		return origins
	}
	if top, ok := l.relay.Top(ec); ok {
		return top
	}
	return taint.OriginSet{}
}

func (l *Layer) mintOrigin() taint.Origin {
	return taint.Origin(uuid.NewString())
}

func (l *Layer) outputSet(entry string, origin taint.Origin, inputs taint.OriginSet) taint.OriginSet {
	fresh := taint.NewOriginSet(origin)
	if l.policies[entry] == PolicyUnion {
		return inputs.Union(fresh)
	}
	return fresh
}

// attachString attaches outSet to a string result. When running under
// the dispatcher's opaque-call protocol the top relay frame is replaced
// instead, and the dispatcher performs the attachment on pop.
func (l *Layer) attachString(ec relay.ContextID, s string, outSet taint.OriginSet) string {
	if l.relay.ReplaceTop(ec, outSet) {
		return s
	}
	out := l.store.Attach(s, outSet)
	if str, ok := out.(string); ok {
		return str
	}
	return s
}

// observe emits the node and edges for one watched call.
func (l *Layer) observe(entry string, origin taint.Origin, label, input, output string, inputs taint.OriginSet) {
	file, line := callSite()
	node := graph.Node{
		ID:     string(origin),
		Kind:   entry,
		Label:  label,
		File:   file,
		Line:   line,
		Input:  input,
		Output: output,
	}
	var edges []graph.Edge
	for _, from := range inputs.Slice() {
		edges = append(edges, graph.Edge{From: string(from), To: string(origin)})
	}
	l.bus.Emit(node, edges)
	l.logger.Debug("boundary call observed",
		zap.String("entry", entry),
		zap.String("origin", string(origin)),
		zap.Int("edges", len(edges)))
}

func snippet(v any) string {
	s := fmt.Sprintf("%v", taint.Unbox(v))
	const max = 256
	if len(s) > max {
		return s[:max]
	}
	return s
}
