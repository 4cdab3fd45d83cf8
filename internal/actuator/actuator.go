// Package actuator defines the external capability used by the worker
// lifecycle and pool to open and close a worker's execution session (spec
// §6's "worker actuator contract"): createWindow/closeWindow, modeled here
// as OpenSession/Close so implementations other than a browser window can
// conform.
package actuator

import "context"

// OpenSessionRequest mirrors the spec's createWindow payload.
type OpenSessionRequest struct {
	URL     string
	Focused bool
	Width   int
	Height  int
}

// Session is an opaque handle into the external actuator.
type Session interface {
	ID() string
	Close(ctx context.Context) error
}

// Actuator performs the side-effectful work a worker needs (spec §6: "the
// core does not own it").
type Actuator interface {
	OpenSession(ctx context.Context, req OpenSessionRequest) (Session, error)
}
