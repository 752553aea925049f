package backend

import (
	"errors"
	"strconv"
	"strings"

	"github.com/nerrad567/xenbackend/internal/xenstore"
)

// scan reconciles the device table with the backend directory.
//
// Every listed id without a device is allocated and driven: first the
// recovery check against the state left in the store, then the normal
// progression. Every populated slot whose id is no longer listed is torn
// down. ErrNotFound on the directory means all devices were removed; any
// other listing error leaves the table untouched.
func (b *Backend) scan() {
	c := b.ctx

	names, err := c.store.Directory(b.path)
	if err != nil && !errors.Is(err, xenstore.ErrNotFound) {
		c.logger.Warn("listing backend directory", "path", b.path, "error", err)
		return
	}

	var listed [MaxDevices]bool
	for _, name := range names {
		id, ok := parseDevID(name)
		if !ok {
			continue
		}
		listed[id] = true
		if b.devices[id] != nil {
			continue
		}

		d := b.allocDevice(id)
		if d == nil {
			continue
		}
		b.recover(d)
		b.checkState(d)
	}

	// Sweep the whole table: any slot may have been filled by an update.
	for id, d := range b.devices {
		if d != nil && !listed[id] {
			b.freeDevice(id)
		}
	}
}

// updateDevice handles a backend watch event for one device id.
//
// An empty slot is only allocated while the device's directory still
// exists, so the event for a removal does not resurrect the device.
func (b *Backend) updateDevice(id int, path string) {
	c := b.ctx

	d := b.devices[id]
	if d == nil {
		be := xenstore.Join(b.path, strconv.Itoa(id))
		if _, err := c.store.Directory(be); err != nil {
			c.logger.Debug("ignoring event for absent device", "path", path, "error", err)
			return
		}
		if d = b.allocDevice(id); d == nil {
			return
		}
		b.recover(d)
	}

	node, _ := xenstore.Relative(d.be, path)
	b.backendChanged(d, node)
	b.checkState(d)
}

// allocDevice fills slot id. It returns nil if the class refuses the
// device, leaving the slot empty so a later scan retries.
func (b *Backend) allocDevice(id int) *device {
	c := b.ctx

	d := &device{
		backend: b,
		id:      id,
		be:      xenstore.Join(b.path, strconv.Itoa(id)),
		port:    unboundPort,
	}

	ch, err := c.control.OpenEventChannel()
	if err != nil {
		// The device can still progress; BindChannel will report ErrNoChannel.
		c.logger.Warn("opening event channel", "path", d.be, "error", err)
	} else {
		d.channel = ch
	}

	dev, err := b.cls.Alloc(b, id, b.priv)
	if err == nil && dev == nil {
		err = errors.New("class returned no device")
	}
	if err != nil {
		c.logger.Warn("allocating device", "path", d.be, "error", err)
		if d.channel != nil {
			d.channel.Close() //nolint:errcheck // Nothing bound yet
		}
		return nil
	}

	d.dev = dev
	d.token = c.tokens.addDevice(d)
	d.gen = c.tokens.serial()
	b.devices[id] = d

	c.logger.Debug("device allocated", "path", d.be)
	c.emit(EventAllocated, d, StateUnknown)
	return d
}

// freeDevice tears down slot id: disconnect, free, remove the frontend
// watch, release the port and the channel handle, clear the slot.
func (b *Backend) freeDevice(id int) {
	c := b.ctx
	d := b.devices[id]
	if d == nil {
		return
	}

	d.dev.Disconnect()
	d.dev.Free()

	if d.fe != "" {
		if err := c.watcher.Unwatch(d.fe, d.token); err != nil {
			c.logger.Debug("unwatching frontend", "path", d.fe, "error", err)
		}
		d.fe = ""
	}
	c.tokens.remove(d.token)

	if d.channel != nil {
		if d.port != unboundPort {
			if err := d.channel.Unbind(uint32(d.port)); err != nil { // #nosec G115 -- port came from BindInterdomain
				c.logger.Debug("unbinding port", "path", d.be, "port", d.port, "error", err)
			}
			d.port = unboundPort
		}
		if err := d.channel.Close(); err != nil {
			c.logger.Debug("closing event channel", "path", d.be, "error", err)
		}
		d.channel = nil
	}

	b.devices[id] = nil

	c.logger.Debug("device freed", "path", d.be)
	c.emit(EventFreed, d, d.state)
}

// devIDFromPath extracts the device id from <path>/<id> or
// <path>/<id>/<node>. It returns -1 when there is none.
func (b *Backend) devIDFromPath(p string) int {
	rel, ok := xenstore.Relative(b.path, p)
	if !ok {
		return -1
	}
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		rel = rel[:i]
	}
	id, ok := parseDevID(rel)
	if !ok {
		return -1
	}
	return id
}

// parseDevID accepts decimal ids that fit the device table.
func parseDevID(name string) (int, bool) {
	id, err := strconv.Atoi(name)
	if err != nil || id < 0 || id >= MaxDevices {
		return 0, false
	}
	return id, true
}
