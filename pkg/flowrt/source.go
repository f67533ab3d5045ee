package flowrt

import _ "embed"

// Source is the package's own source text. The runner feeds it to the
// interpreter so instrumented code executing there calls the same
// helpers, backed by the same compiled store, relay and dispatcher.
//
//go:embed flowrt.go
var Source string
