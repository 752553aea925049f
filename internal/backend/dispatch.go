package backend

import (
	"fmt"

	"github.com/nerrad567/xenbackend/internal/xenstore"
)

// DispatchWatchEvent reads one watch event and routes it.
//
// The owner calls this when WatchFd is readable (and again while
// PendingWatchEvents reports buffered events). The event token is resolved
// through the token registry:
//
//   - A backend token updates the device named by the path suffix, then
//     rescans the whole backend directory. A single event may stand for
//     several writes, so the rescan catches anything a leaf update missed.
//   - A device token re-reads the named frontend node and re-runs the
//     device's state machine.
//
// Tokens that no longer resolve belong to backends or devices already torn
// down and are dropped.
//
// Returns:
//   - error: Only if the watch handle itself fails
func (c *Context) DispatchWatchEvent() error {
	if c.closed {
		return ErrShutdown
	}
	ev, err := c.watcher.ReadWatch()
	if err != nil {
		return fmt.Errorf("reading watch event: %w", err)
	}
	c.dispatch(ev)
	return nil
}

func (c *Context) dispatch(ev xenstore.WatchEvent) {
	entry, ok := c.tokens.lookup(ev.Token)
	if !ok {
		c.logger.Debug("dropping watch event with stale token", "path", ev.Path, "token", ev.Token)
		return
	}

	switch entry.kind {
	case tokenBackend:
		b := entry.backend
		if !xenstore.Under(ev.Path, b.path) {
			c.logger.Debug("dropping backend event outside its path", "path", ev.Path, "backend", b.path)
			return
		}
		if id := b.devIDFromPath(ev.Path); id >= 0 {
			b.updateDevice(id, ev.Path)
		}
		b.scan()

	case tokenDevice:
		d := entry.dev
		b := d.backend
		if b.devices[d.id] != d || d.fe == "" || !xenstore.Under(ev.Path, d.fe) {
			c.logger.Debug("dropping frontend event for inactive device", "path", ev.Path)
			return
		}
		node, _ := xenstore.Relative(d.fe, ev.Path)
		b.frontendChanged(d, node)
		b.checkState(d)
	}
}
