package runner

import (
	"reflect"

	"flowtrace/internal/dispatch"
	"flowtrace/internal/relay"
	"flowtrace/internal/session"
	"flowtrace/internal/taint"
	"flowtrace/pkg/llmapi"
)

// Symbols exposes the compiled engine packages to interpreted code. The
// runtime helpers are generic and therefore interpreted from embedded
// source; through these bindings the interpreted copy operates on the
// same store, relay, and dispatcher the host process wired.
var Symbols = map[string]map[string]reflect.Value{
	"flowtrace/internal/taint/taint": {
		"Box":          reflect.ValueOf((*taint.Box)(nil)),
		"NewOriginSet": reflect.ValueOf(taint.NewOriginSet),
		"NewStore":     reflect.ValueOf(taint.NewStore),
		"Origin":       reflect.ValueOf((*taint.Origin)(nil)),
		"OriginSet":    reflect.ValueOf((*taint.OriginSet)(nil)),
		"Store":        reflect.ValueOf((*taint.Store)(nil)),
		"Unbox":        reflect.ValueOf(taint.Unbox),
	},
	"flowtrace/internal/relay/relay": {
		"ContextID":      reflect.ValueOf((*relay.ContextID)(nil)),
		"CurrentContext": reflect.ValueOf(relay.CurrentContext),
		"New":            reflect.ValueOf(relay.New),
		"Relay":          reflect.ValueOf((*relay.Relay)(nil)),
	},
	"flowtrace/internal/dispatch/dispatch": {
		"Classifier":       reflect.ValueOf((*dispatch.Classifier)(nil)),
		"Dispatcher":       reflect.ValueOf((*dispatch.Dispatcher)(nil)),
		"Kind":             reflect.ValueOf((*dispatch.Kind)(nil)),
		"KindInstrumented": reflect.ValueOf(dispatch.KindInstrumented),
		"KindOpaque":       reflect.ValueOf(dispatch.KindOpaque),
		"New":              reflect.ValueOf(dispatch.New),
		"NewClassifier":    reflect.ValueOf(dispatch.NewClassifier),
	},
	"flowtrace/internal/session/session": {
		"Activate":   reflect.ValueOf(session.Activate),
		"Config":     reflect.ValueOf((*session.Config)(nil)),
		"Current":    reflect.ValueOf(session.Current),
		"Deactivate": reflect.ValueOf(session.Deactivate),
		"New":        reflect.ValueOf(session.New),
		"Session":    reflect.ValueOf((*session.Session)(nil)),
	},
	"flowtrace/pkg/llmapi/llmapi": {
		"Complete":        reflect.ValueOf(llmapi.Complete),
		"CompleteContext": reflect.ValueOf(llmapi.CompleteContext),
		"DecodeJSON":      reflect.ValueOf(llmapi.DecodeJSON),
		"EncodeJSON":      reflect.ValueOf(llmapi.EncodeJSON),
		"ErrNoSession":    reflect.ValueOf(&llmapi.ErrNoSession).Elem(),
	},
}
