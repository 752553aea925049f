package backend

// Class is the capability a caller supplies for one device class.
//
// Alloc is called when a device id first appears under the backend path.
// The returned Device lives until the id disappears or the backend is
// released.
type Class interface {
	// Alloc creates the per-device state.
	//
	// Parameters:
	//   - b: The owning backend, for the resource helpers
	//   - devid: Device id within the backend (0..MaxDevices-1)
	//   - priv: The opaque value given to Register
	//
	// Returns:
	//   - Device: Caller-owned device state
	//   - error: Leaves the slot empty; a later scan retries
	Alloc(b *Backend, devid int, priv any) (Device, error)
}

// Device is the per-device half of a Class.
//
// All callbacks run on the owner's goroutine and must not block.
type Device interface {
	// Init prepares the device once the toolstack marks it online. An error
	// keeps the device in Initialising.
	Init() error

	// Connect runs once the frontend is Initialised or Connected. This is
	// where a class binds its event channel and maps its shared page. An
	// error keeps the device in InitWait.
	Connect() error

	// Disconnect releases what Connect acquired. It is called when the
	// frontend starts closing and again at teardown.
	Disconnect()

	// Event handles a notification on the device's event channel.
	Event()

	// Free releases the device. It is called once, after the final
	// Disconnect.
	Free()
}

// BackendWatcher is implemented by devices that want raw backend node
// changes.
type BackendWatcher interface {
	// BackendChanged receives the node name relative to the device's
	// backend path and its new value ("" when the node was removed).
	BackendChanged(node, value string)
}

// FrontendWatcher is implemented by devices that want raw frontend node
// changes.
type FrontendWatcher interface {
	// FrontendChanged receives the node name relative to the frontend path
	// and its new value ("" when the node was removed).
	FrontendChanged(node, value string)
}

// ClassFunc adapts a function to Class.
type ClassFunc func(b *Backend, devid int, priv any) (Device, error)

// Alloc implements Class.
func (f ClassFunc) Alloc(b *Backend, devid int, priv any) (Device, error) {
	return f(b, devid, priv)
}
