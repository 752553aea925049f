package backend

import (
	"strconv"
)

// checkState drives a device as far as its current inputs allow.
//
// A frontend that is Closing or Closed short-circuits everything: the device
// is disconnected once and its state follows the frontend. Otherwise the
// step for the current state is attempted repeatedly until one declines,
// fails, or leaves the state unchanged. The loop runs at most once per
// state, so a misbehaving transition table cannot spin.
func (b *Backend) checkState(d *device) {
	if d.feState.closing() {
		b.disconnect(d, d.feState)
		return
	}

	for range numStates {
		prev := d.state

		var advanced bool
		switch d.state {
		case StateUnknown:
			advanced = b.trySetup(d)
		case StateInitialising:
			advanced = b.tryInit(d)
		case StateInitWait:
			advanced = b.tryConnect(d)
		case StateClosed:
			advanced = b.tryReset(d)
		}

		if !advanced || d.state == prev {
			return
		}
	}
}

// trySetup waits for the toolstack to write state=Initialising, then learns
// the frontend path, watches it and reads both sides from scratch.
func (b *Backend) trySetup(d *device) bool {
	c := b.ctx

	st, err := b.readState(d.bePath("state"))
	if err != nil || st != StateInitialising {
		return false
	}

	if d.fe == "" {
		fe, err := c.store.Read(d.bePath("frontend"))
		if err != nil || fe == "" {
			c.logger.Debug("frontend path not available", "path", d.be, "error", err)
			return false
		}
		if err := c.watcher.Watch(fe, d.token); err != nil {
			c.logger.Warn("watching frontend", "path", fe, "error", err)
			return false
		}
		d.fe = fe
	}

	if err := b.setState(d, StateInitialising); err != nil {
		return false
	}

	b.backendChanged(d, "")
	b.frontendChanged(d, "")
	return true
}

// tryInit waits for the toolstack to mark the device online.
func (b *Backend) tryInit(d *device) bool {
	c := b.ctx

	if !d.online {
		return false
	}
	if err := d.dev.Init(); err != nil {
		c.logger.Debug("device init declined", "path", d.be, "error", err)
		return false
	}
	if err := c.store.Write(d.bePath("hotplug-status"), "connected"); err != nil {
		c.logger.Warn("writing hotplug-status", "path", d.be, "error", err)
	}
	return b.setState(d, StateInitWait) == nil
}

// tryConnect waits for the frontend to publish its rings.
func (b *Backend) tryConnect(d *device) bool {
	if d.feState != StateInitialised && d.feState != StateConnected {
		return false
	}
	if err := d.dev.Connect(); err != nil {
		b.ctx.logger.Debug("device connect declined", "path", d.be, "error", err)
		return false
	}
	return b.setState(d, StateConnected) == nil
}

// tryReset restarts the handshake when a closed frontend comes back.
func (b *Backend) tryReset(d *device) bool {
	if d.feState != StateInitialising {
		return false
	}
	return b.setState(d, StateInitialising) == nil
}

// disconnect moves the device to the frontend's closing state, calling
// Disconnect only on the way in.
func (b *Backend) disconnect(d *device, target State) {
	if !d.state.closing() {
		d.dev.Disconnect()
	}
	if d.state != target {
		b.setState(d, target) //nolint:errcheck // Logged by setState
	}
}

// recover resets a device whose store state says Connected at allocation
// time. A previous instance died mid-session; setup must run again rather
// than trust the stale marker.
func (b *Backend) recover(d *device) {
	c := b.ctx

	st, err := b.readState(d.bePath("state"))
	if err != nil || st != StateConnected {
		return
	}

	c.logger.Info("recovering stale connected device", "path", d.be)
	if err := c.store.Write(d.bePath("state"), strconv.Itoa(int(StateInitialising))); err != nil {
		c.logger.Warn("resetting stale state", "path", d.be, "error", err)
	}
	d.state = StateUnknown
}

// setState publishes the local state, then records it.
func (b *Backend) setState(d *device, s State) error {
	c := b.ctx

	if err := c.store.Write(d.bePath("state"), strconv.Itoa(int(s))); err != nil {
		c.logger.Warn("writing state", "path", d.be, "state", s, "error", err)
		return err
	}

	from := d.state
	d.state = s
	if from != s {
		c.logger.Debug("device state", "path", d.be, "from", from, "to", s)
		c.emit(EventTransition, d, from)
	}
	return nil
}

// backendChanged re-reads backend inputs. node "" means all of them.
func (b *Backend) backendChanged(d *device, node string) {
	c := b.ctx

	if node == "" || node == "online" {
		d.online = false
		if v, err := c.store.Read(d.bePath("online")); err == nil {
			if n, convErr := strconv.Atoi(v); convErr == nil {
				d.online = n != 0
			}
		}
	}

	if node != "" {
		if w, ok := d.dev.(BackendWatcher); ok {
			w.BackendChanged(node, b.readOrEmpty(d.bePath(node)))
		}
	}
}

// frontendChanged re-reads frontend inputs. node "" means all of them.
func (b *Backend) frontendChanged(d *device, node string) {
	c := b.ctx

	if node == "" || node == "state" {
		prev := d.feState
		d.feState = StateUnknown
		if d.fe != "" {
			if st, err := b.readState(d.fePath("state")); err == nil {
				d.feState = st
			}
		}
		if d.feState != prev {
			c.logger.Debug("frontend state", "path", d.fe, "from", prev, "to", d.feState)
			c.emit(EventFrontendChanged, d, d.state)
		}
	}

	if node == "" || node == "protocol" {
		d.protocol = ""
		if d.fe != "" {
			d.protocol = b.readOrEmpty(d.fePath("protocol"))
		}
	}

	if node != "" {
		if w, ok := d.dev.(FrontendWatcher); ok {
			w.FrontendChanged(node, b.readOrEmpty(d.fePath(node)))
		}
	}
}

func (b *Backend) readState(p string) (State, error) {
	v, err := b.ctx.store.Read(p)
	if err != nil {
		return StateUnknown, err
	}
	return ParseState(v)
}

func (b *Backend) readOrEmpty(p string) string {
	v, err := b.ctx.store.Read(p)
	if err != nil {
		return ""
	}
	return v
}
