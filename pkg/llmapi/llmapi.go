// Package llmapi is the caller-facing surface of the watched entry
// points. User programs (instrumented or not) call these instead of an
// SDK directly; each call lands in the active session's boundary layer,
// which handles provenance, replay substitution and graph emission.
package llmapi

import (
	"context"
	"errors"

	"flowtrace/internal/session"
)

// ErrNoSession is returned when no run is active.
var ErrNoSession = errors.New("llmapi: no active flowtrace session")

// Complete sends a prompt to the configured LLM and returns its reply.
func Complete(prompt string) (string, error) {
	return CompleteContext(context.Background(), prompt)
}

// CompleteContext is Complete with an explicit context for cancellation.
func CompleteContext(ctx context.Context, prompt string) (string, error) {
	s := session.Current()
	if s == nil {
		return "", ErrNoSession
	}
	return s.Boundary.Complete(ctx, prompt)
}

// EncodeJSON marshals v through the watched encode entry point.
func EncodeJSON(v any) (string, error) {
	s := session.Current()
	if s == nil {
		return "", ErrNoSession
	}
	return s.Boundary.EncodeJSON(v)
}

// DecodeJSON unmarshals data into v through the watched decode entry
// point.
func DecodeJSON(data string, v any) error {
	s := session.Current()
	if s == nil {
		return ErrNoSession
	}
	return s.Boundary.DecodeJSON(data, v)
}
