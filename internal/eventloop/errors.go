package eventloop

import "errors"

// Domain errors for the event loop.
var (
	// ErrInvalidFd is returned when adding a negative descriptor.
	ErrInvalidFd = errors.New("eventloop: invalid descriptor")

	// ErrDuplicateFd is returned when a descriptor is already registered.
	ErrDuplicateFd = errors.New("eventloop: descriptor already registered")

	// ErrClosed is returned when using a closed loop.
	ErrClosed = errors.New("eventloop: closed")
)
