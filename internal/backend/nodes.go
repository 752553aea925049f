package backend

import "fmt"

// ReadBackend reads a node below the device's backend path.
func (b *Backend) ReadBackend(devid int, node string) (string, error) {
	d, err := b.lookup(devid)
	if err != nil {
		return "", err
	}
	v, err := b.ctx.store.Read(d.bePath(node))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", d.bePath(node), err)
	}
	return v, nil
}

// ReadFrontend reads a node below the device's frontend path.
func (b *Backend) ReadFrontend(devid int, node string) (string, error) {
	d, err := b.lookup(devid)
	if err != nil {
		return "", err
	}
	if d.fe == "" {
		return "", fmt.Errorf("%w: %s", ErrNoFrontend, d.be)
	}
	v, err := b.ctx.store.Read(d.fePath(node))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", d.fePath(node), err)
	}
	return v, nil
}

// WriteBackend writes a node below the device's backend path.
func (b *Backend) WriteBackend(devid int, node, value string) error {
	d, err := b.lookup(devid)
	if err != nil {
		return err
	}
	if err := b.ctx.store.Write(d.bePath(node), value); err != nil {
		return fmt.Errorf("writing %s: %w", d.bePath(node), err)
	}
	return nil
}

// Protocol returns the ring protocol the frontend advertised, or "" when
// it advertised none.
func (b *Backend) Protocol(devid int) string {
	d, err := b.lookup(devid)
	if err != nil {
		return ""
	}
	return d.protocol
}
