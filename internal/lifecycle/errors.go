package lifecycle

import "errors"

// Domain-specific errors for lifecycle recording.
var (
	// ErrInvalidDeviceKey is returned for keys that are not class/domid/devid.
	ErrInvalidDeviceKey = errors.New("lifecycle: invalid device key")

	// ErrRecorderStarted is returned by a second call to Recorder.Start.
	ErrRecorderStarted = errors.New("lifecycle: recorder already started")
)
