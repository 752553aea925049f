package xenstore

import "errors"

// Domain errors for store operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when a path does not exist (ENOENT).
	ErrNotFound = errors.New("xenstore: no such node")

	// ErrStore is returned for any other error reported by the store daemon.
	// The daemon's errno name is appended to the wrapped message.
	ErrStore = errors.New("xenstore: daemon error")

	// ErrClosed is returned when using a client after Close or after the
	// connection was lost.
	ErrClosed = errors.New("xenstore: connection closed")

	// ErrProtocol is returned when a malformed message is received.
	ErrProtocol = errors.New("xenstore: protocol error")

	// ErrInvalidPath is returned for empty or relative paths.
	ErrInvalidPath = errors.New("xenstore: invalid path")
)
