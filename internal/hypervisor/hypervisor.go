package hypervisor

// PageSize is the size of one shared page.
const PageSize = 4096

// Control opens event channels and maps guest memory.
type Control interface {
	// OpenEventChannel opens a new event channel handle. Each handle has
	// its own pollable descriptor.
	OpenEventChannel() (EventChannel, error)

	// MapForeignPage maps one page of domid's memory by machine frame.
	MapForeignPage(domid uint32, mfn uint64) (Region, error)

	// MapGrantRef maps one page granted by domid.
	MapGrantRef(domid, ref uint32) (Region, error)

	// Close releases the control handles.
	Close() error
}

// EventChannel is one event channel handle.
//
// A handle may carry several bound ports; the backend framework binds at
// most one per handle.
type EventChannel interface {
	// Fd returns the descriptor that becomes readable when a port fires.
	Fd() int

	// BindInterdomain binds a local port to remotePort in domid.
	BindInterdomain(domid, remotePort uint32) (uint32, error)

	// Unbind releases a local port.
	Unbind(port uint32) error

	// Notify signals the remote end of port.
	Notify(port uint32) error

	// Pending returns the next port that fired. Ports stay masked until
	// Unmask is called.
	Pending() (uint32, error)

	// Unmask re-enables delivery for port.
	Unmask(port uint32) error

	// Close unbinds every port and releases the handle.
	Close() error
}

// Region is a mapped page of guest memory.
type Region interface {
	// Bytes returns the mapped memory. It must not be used after Unmap.
	Bytes() []byte

	// Unmap releases the mapping.
	Unmap() error
}

// Paths names the control devices opened by Open.
type Paths struct {
	Evtchn  string `yaml:"evtchn"`
	Privcmd string `yaml:"privcmd"`
	Gntdev  string `yaml:"gntdev"`
}

// DefaultPaths returns the standard /dev/xen device nodes.
func DefaultPaths() Paths {
	return Paths{
		Evtchn:  "/dev/xen/evtchn",
		Privcmd: "/dev/xen/privcmd",
		Gntdev:  "/dev/xen/gntdev",
	}
}

// withDefaults fills empty fields from DefaultPaths.
func (p Paths) withDefaults() Paths {
	d := DefaultPaths()
	if p.Evtchn == "" {
		p.Evtchn = d.Evtchn
	}
	if p.Privcmd == "" {
		p.Privcmd = d.Privcmd
	}
	if p.Gntdev == "" {
		p.Gntdev = d.Gntdev
	}
	return p
}
