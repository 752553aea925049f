package backend

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/nerrad567/xenbackend/internal/hypervisor"
)

// ChannelHandle identifies one device's event channel for
// DispatchChannelEvent. It stays safe to use after the device is freed:
// dispatch through a stale handle is a no-op.
type ChannelHandle struct {
	b     *Backend
	devid int
	gen   uint64
}

// BindChannel binds the device's event channel to the port the frontend
// advertises in its "event-channel" node.
//
// Returns:
//   - int: Descriptor the owner polls before calling DispatchChannelEvent
//   - error: ErrMissingNode, ErrAlreadyBound, ErrNoChannel or ErrBindFailed
func (b *Backend) BindChannel(devid int) (int, error) {
	d, err := b.lookup(devid)
	if err != nil {
		return -1, err
	}

	remote, err := b.readFrontendUint(d, "event-channel", 32)
	if err != nil {
		return -1, err
	}
	if d.port != unboundPort {
		return -1, fmt.Errorf("%w: %s port %d", ErrAlreadyBound, d.be, d.port)
	}
	if d.channel == nil {
		return -1, fmt.Errorf("%w: %s", ErrNoChannel, d.be)
	}

	port, err := d.channel.BindInterdomain(uint32(b.domid), uint32(remote)) // #nosec G115 -- domid and port are 16/32-bit on the wire
	if err != nil {
		return -1, fmt.Errorf("%w: %s remote port %d: %w", ErrBindFailed, d.be, remote, err)
	}
	d.port = int(port)

	b.ctx.logger.Debug("event channel bound", "path", d.be, "remote", remote, "local", port)
	return d.channel.Fd(), nil
}

// UnbindChannel releases the device's bound port. It does nothing when no
// port is bound.
func (b *Backend) UnbindChannel(devid int) {
	d, err := b.lookup(devid)
	if err != nil || d.port == unboundPort {
		return
	}
	if err := d.channel.Unbind(uint32(d.port)); err != nil { // #nosec G115 -- port came from BindInterdomain
		b.ctx.logger.Debug("unbinding port", "path", d.be, "port", d.port, "error", err)
	}
	d.port = unboundPort
}

// NotifyChannel signals the frontend through the bound port.
func (b *Backend) NotifyChannel(devid int) error {
	d, err := b.lookup(devid)
	if err != nil {
		return err
	}
	if d.port == unboundPort {
		return fmt.Errorf("%w: %s", ErrNotBound, d.be)
	}
	if err := d.channel.Notify(uint32(d.port)); err != nil { // #nosec G115 -- port came from BindInterdomain
		return fmt.Errorf("notifying %s: %w", d.be, err)
	}
	return nil
}

// ChannelHandle returns the dispatch handle of a device's event channel.
func (b *Backend) ChannelHandle(devid int) (ChannelHandle, error) {
	d, err := b.lookup(devid)
	if err != nil {
		return ChannelHandle{}, err
	}
	return ChannelHandle{b: b, devid: devid, gen: d.gen}, nil
}

// DispatchChannelEvent handles readiness on a channel descriptor.
//
// The pending port must be the device's bound port; anything else is a
// stale notification and is dropped without being acknowledged. A matching
// port is unmasked and the device's Event callback runs.
func (c *Context) DispatchChannelEvent(h ChannelHandle) {
	d := h.device()
	if d == nil || d.channel == nil {
		c.logger.Debug("dropping event for stale channel handle")
		return
	}

	port, err := d.channel.Pending()
	if err != nil {
		if !errors.Is(err, hypervisor.ErrNoPending) {
			c.logger.Warn("reading pending port", "path", d.be, "error", err)
		}
		return
	}
	if d.port == unboundPort || int(port) != d.port {
		c.logger.Debug("dropping event for unbound port", "path", d.be, "pending", port, "bound", d.port)
		return
	}

	if err := d.channel.Unmask(port); err != nil {
		c.logger.Warn("unmasking port", "path", d.be, "port", port, "error", err)
	}
	d.dev.Event()
	c.emit(EventChannel, d, d.state)
}

// device resolves the handle, or returns nil when it is stale.
func (h ChannelHandle) device() *device {
	if h.b == nil || h.b.released || h.devid < 0 || h.devid >= MaxDevices {
		return nil
	}
	d := h.b.devices[h.devid]
	if d == nil || d.gen != h.gen {
		return nil
	}
	return d
}

// readFrontendUint reads an unsigned frontend node.
func (b *Backend) readFrontendUint(d *device, node string, bits int) (uint64, error) {
	if d.fe == "" {
		return 0, fmt.Errorf("%w: %s", ErrNoFrontend, d.be)
	}
	v, err := b.ctx.store.Read(d.fePath(node))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrMissingNode, d.fePath(node), err)
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMissingNode, d.fePath(node), v)
	}
	return n, nil
}
