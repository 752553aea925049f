package hypervisor

import "errors"

// Domain errors for hypervisor operations.
var (
	// ErrUnsupported is returned on platforms without Xen control devices.
	ErrUnsupported = errors.New("hypervisor: unsupported platform")

	// ErrClosed is returned when using a closed handle.
	ErrClosed = errors.New("hypervisor: handle closed")

	// ErrNoPending is returned by Pending when no port has fired.
	ErrNoPending = errors.New("hypervisor: no pending event")

	// ErrUnknownPort is returned when a port is not bound on the handle.
	ErrUnknownPort = errors.New("hypervisor: port not bound")
)
