package backend

import "errors"

// Domain errors for the backend package.
//
// Only resource acquisition reports errors. Protocol stalls, stale events
// and malformed store values are logged and otherwise ignored.
var (
	// ErrInit is returned when the context cannot be set up.
	ErrInit = errors.New("backend: init failed")

	// ErrShutdown is returned when using a context after Shutdown.
	ErrShutdown = errors.New("backend: context shut down")

	// ErrWatchFailed is returned when a store watch cannot be established.
	ErrWatchFailed = errors.New("backend: watch failed")

	// ErrInvalidDevice is returned for a device id outside the table or an
	// empty slot.
	ErrInvalidDevice = errors.New("backend: no such device")

	// ErrReleased is returned when using a released backend.
	ErrReleased = errors.New("backend: backend released")

	// ErrNoFrontend is returned when a frontend node is required before the
	// frontend path is known.
	ErrNoFrontend = errors.New("backend: frontend not known")

	// ErrMissingNode is returned when a required store node is absent or
	// malformed.
	ErrMissingNode = errors.New("backend: store node missing or malformed")

	// ErrAlreadyBound is returned by BindChannel when a port is bound.
	ErrAlreadyBound = errors.New("backend: event channel already bound")

	// ErrNotBound is returned by NotifyChannel when no port is bound.
	ErrNotBound = errors.New("backend: event channel not bound")

	// ErrNoChannel is returned when the device has no event channel handle.
	ErrNoChannel = errors.New("backend: no event channel handle")

	// ErrBindFailed wraps hypervisor failures from BindChannel.
	ErrBindFailed = errors.New("backend: bind failed")

	// ErrMapFailed wraps hypervisor failures from the page mapping helpers.
	ErrMapFailed = errors.New("backend: map failed")
)
