package backend

import (
	"fmt"
	"strconv"

	"github.com/nerrad567/xenbackend/internal/xenstore"
)

// MaxDevices is the size of each backend's device table. Device ids must
// lie in [0, MaxDevices).
const MaxDevices = 16

// Backend serves one device class for one guest domain.
//
// It owns a watch on <domain-path>/backend/<class>/<domid> and a fixed
// table of device slots indexed by device id.
type Backend struct {
	ctx *Context

	class string
	domid int
	path  string
	token string

	cls  Class
	priv any

	devices  [MaxDevices]*device
	released bool
}

// Register starts serving a device class for a guest.
//
// It watches the class's backend directory for domid and runs an initial
// discovery scan, so devices already present are allocated and driven as
// far as the protocol allows before Register returns. Finding no devices is
// not an error.
//
// Parameters:
//   - class: Device class name as used in store paths ("vkbd", "console")
//   - domid: Guest domain id
//   - cls: Class capability that allocates devices
//   - priv: Opaque value handed to every Alloc
//
// Returns:
//   - *Backend: Registered backend
//   - error: ErrWatchFailed if the watch cannot be established
func (c *Context) Register(class string, domid int, cls Class, priv any) (*Backend, error) {
	if c.closed {
		return nil, ErrShutdown
	}
	if cls == nil {
		return nil, fmt.Errorf("registering %s/%d: nil class", class, domid)
	}

	b := &Backend{
		ctx:   c,
		class: class,
		domid: domid,
		path:  xenstore.Join(c.domainPath, "backend", class, strconv.Itoa(domid)),
		cls:   cls,
		priv:  priv,
	}
	b.token = c.tokens.addBackend(b)

	if err := c.watcher.Watch(b.path, b.token); err != nil {
		c.tokens.remove(b.token)
		return nil, fmt.Errorf("%w: %s: %w", ErrWatchFailed, b.path, err)
	}
	c.backends = append(c.backends, b)

	c.logger.Info("backend registered", "class", class, "domid", domid, "path", b.path)

	b.scan()
	return b, nil
}

// Release stops serving a backend.
//
// The backend watch is removed first, then every populated slot is torn
// down exactly as if its id had disappeared from the store. Events still
// queued for the backend's token are dropped on arrival.
func (c *Context) Release(b *Backend) {
	if b == nil || b.released {
		return
	}

	if err := c.watcher.Unwatch(b.path, b.token); err != nil {
		c.logger.Warn("unwatching backend path", "path", b.path, "error", err)
	}
	c.tokens.remove(b.token)

	for id := range b.devices {
		if b.devices[id] != nil {
			b.freeDevice(id)
		}
	}

	b.released = true
	c.removeBackend(b)
	c.logger.Info("backend released", "class", b.class, "domid", b.domid)
}

// Class returns the device class name.
func (b *Backend) Class() string {
	return b.class
}

// DomID returns the guest domain id.
func (b *Backend) DomID() int {
	return b.domid
}

// Path returns the watched backend directory.
func (b *Backend) Path() string {
	return b.path
}

// Priv returns the opaque value given to Register.
func (b *Backend) Priv() any {
	return b.priv
}

// Context returns the owning context.
func (b *Backend) Context() *Context {
	return b.ctx
}

// Released reports whether Release has run.
func (b *Backend) Released() bool {
	return b.released
}

// Devices returns the ids of all populated slots in ascending order.
func (b *Backend) Devices() []int {
	var ids []int
	for id, d := range b.devices {
		if d != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Device returns the caller-owned device in a slot, or nil.
func (b *Backend) Device(devid int) Device {
	d, err := b.lookup(devid)
	if err != nil {
		return nil
	}
	return d.dev
}

// Info returns the inspection view of one device.
func (b *Backend) Info(devid int) (DeviceInfo, error) {
	d, err := b.lookup(devid)
	if err != nil {
		return DeviceInfo{}, err
	}
	return d.info(), nil
}

// Snapshot returns the inspection view of every populated slot.
func (b *Backend) Snapshot() []DeviceInfo {
	var out []DeviceInfo
	for _, d := range b.devices {
		if d != nil {
			out = append(out, d.info())
		}
	}
	return out
}

// lookup returns a populated slot.
func (b *Backend) lookup(devid int) (*device, error) {
	if b.released {
		return nil, ErrReleased
	}
	if devid < 0 || devid >= MaxDevices || b.devices[devid] == nil {
		return nil, fmt.Errorf("%w: %s/%d/%d", ErrInvalidDevice, b.class, b.domid, devid)
	}
	return b.devices[devid], nil
}
