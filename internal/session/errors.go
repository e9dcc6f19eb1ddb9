// Package session owns agent session lifecycle: creation, invocation,
// soft-delete and restore, and the manager/worker topology.
package session

import "errors"

// Sentinel errors the HTTP collaborator maps to status codes.
var (
	// ErrNotFound: no live session with that id.
	ErrNotFound = errors.New("session not found")
	// ErrBusy: a graph run is already in flight on the session.
	ErrBusy = errors.New("session busy")
	// ErrStale: the freshness evaluator demanded a reset.
	ErrStale = errors.New("session stale")
	// ErrStopped: the session was stopped and cannot be invoked.
	ErrStopped = errors.New("session stopped")
	// ErrForbidden: the operation is not allowed on this session.
	ErrForbidden = errors.New("operation forbidden")
)
