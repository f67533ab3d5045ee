package graph

import (
	"encoding/json"
	"io"
)

// EncodeSnapshot writes observations as one indented JSON document. The
// encoding is stable for a given history, so two runs of the same
// program can be diffed directly.
func EncodeSnapshot(w io.Writer, obs []Observation) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(obs)
}
