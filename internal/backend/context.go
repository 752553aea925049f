package backend

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/xenbackend/internal/hypervisor"
	"github.com/nerrad567/xenbackend/internal/xenstore"
)

// Context is the process-wide state shared by every registered backend: the
// two store handles, the hypervisor control handle and the token registry.
//
// Thread Safety:
//   - Not safe for concurrent use. All methods must be called from the
//     goroutine that owns the event loop.
type Context struct {
	store   xenstore.Store
	watcher xenstore.Watcher
	control hypervisor.Control

	domid      int
	domainPath string

	logger   Logger
	observer Observer
	now      func() time.Time

	tokens   *tokenRegistry
	backends []*Backend

	// owned holds handles opened by Open, closed by Shutdown.
	owned  []io.Closer
	closed bool
}

// Options wires a Context to already-open collaborators.
type Options struct {
	// Store serves reads, writes and directory listings.
	Store xenstore.Store

	// Watcher delivers watch events. It should be a separate connection
	// from Store.
	Watcher xenstore.Watcher

	// Control binds event channels and maps pages.
	Control hypervisor.Control

	// DomID is the domain this backend runs in (usually 0).
	DomID int

	// Logger is optional; nothing is logged when nil.
	Logger Logger

	// Observer is optional and receives lifecycle events.
	Observer Observer
}

// Config describes how Open reaches the store and the hypervisor.
type Config struct {
	DomID int

	// StorePath is the xenstored socket; empty means the default.
	StorePath string

	// FallbackStorePath is tried when StorePath cannot be reached.
	FallbackStorePath string

	Hypervisor hypervisor.Paths

	Logger   Logger
	Observer Observer
}

// New creates a Context over the given collaborators.
//
// Parameters:
//   - opts: Store, Watcher and Control are required
//
// Returns:
//   - *Context: Ready for Register
//   - error: ErrInit if a collaborator is missing or the domain path
//     cannot be resolved
func New(opts Options) (*Context, error) {
	if opts.Store == nil || opts.Watcher == nil || opts.Control == nil {
		return nil, fmt.Errorf("%w: store, watcher and control are required", ErrInit)
	}

	domainPath, err := opts.Store.DomainPath(opts.DomID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving domain path of %d: %w", ErrInit, opts.DomID, err)
	}

	c := &Context{
		store:      opts.Store,
		watcher:    opts.Watcher,
		control:    opts.Control,
		domid:      opts.DomID,
		domainPath: domainPath,
		logger:     opts.Logger,
		observer:   opts.Observer,
		now:        time.Now,
		tokens:     newTokenRegistry(),
	}
	if c.logger == nil {
		c.logger = nopLogger{}
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	return c, nil
}

// Open connects to xenstore twice (requests and watches) and opens the
// hypervisor control devices, then builds a Context over them.
//
// On failure every handle already opened is closed again.
func Open(cfg Config) (*Context, error) {
	var owned []io.Closer
	fail := func(err error) (*Context, error) {
		for i := len(owned) - 1; i >= 0; i-- {
			owned[i].Close() //nolint:errcheck // Best effort cleanup on error path
		}
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}

	store, err := dialStore(cfg)
	if err != nil {
		return fail(err)
	}
	owned = append(owned, store)

	watcher, err := dialStore(cfg)
	if err != nil {
		return fail(err)
	}
	owned = append(owned, watcher)

	control, err := hypervisor.Open(cfg.Hypervisor)
	if err != nil {
		return fail(err)
	}
	owned = append(owned, control)

	c, err := New(Options{
		Store:    store,
		Watcher:  watcher,
		Control:  control,
		DomID:    cfg.DomID,
		Logger:   cfg.Logger,
		Observer: cfg.Observer,
	})
	if err != nil {
		return fail(err)
	}
	c.owned = owned
	return c, nil
}

func dialStore(cfg Config) (*xenstore.Client, error) {
	primary := cfg.StorePath
	if primary == "" {
		primary = xenstore.DefaultSocketPath
	}
	c, err := xenstore.Dial(primary)
	if err == nil {
		return c, nil
	}
	if cfg.FallbackStorePath == "" {
		return nil, err
	}
	c, fbErr := xenstore.Dial(cfg.FallbackStorePath)
	if fbErr != nil {
		return nil, errors.Join(err, fbErr)
	}
	return c, nil
}

// Shutdown releases every registered backend, then closes the handles
// opened by Open. Further calls are no-ops.
func (c *Context) Shutdown() error {
	if c.closed {
		return nil
	}
	for len(c.backends) > 0 {
		c.Release(c.backends[len(c.backends)-1])
	}
	c.closed = true

	var errs []error
	for i := len(c.owned) - 1; i >= 0; i-- {
		if err := c.owned[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.owned = nil
	return errors.Join(errs...)
}

// DomainPath returns the store home of the backend domain.
func (c *Context) DomainPath() string {
	return c.domainPath
}

// WatchFd returns the descriptor the owner polls for watch events, or -1
// when the watcher has none.
func (c *Context) WatchFd() int {
	return c.watcher.Fd()
}

// PendingWatchEvents reports whether events are already buffered, so the
// owner can drain them without waiting for the descriptor.
func (c *Context) PendingWatchEvents() bool {
	return c.watcher.Pending()
}

// Backends returns the registered backends in registration order.
func (c *Context) Backends() []*Backend {
	out := make([]*Backend, len(c.backends))
	copy(out, c.backends)
	return out
}

// Snapshot returns every allocated device of every backend.
func (c *Context) Snapshot() []DeviceInfo {
	var out []DeviceInfo
	for _, b := range c.backends {
		out = append(out, b.Snapshot()...)
	}
	return out
}

// emit stamps and forwards an event to the observer.
func (c *Context) emit(kind EventKind, d *device, from State) {
	c.observer.Observe(Event{
		Kind:     kind,
		Class:    d.backend.class,
		DomID:    d.backend.domid,
		DevID:    d.id,
		From:     from,
		To:       d.state,
		Frontend: d.feState,
		Online:   d.online,
		Time:     c.now(),
	})
}

func (c *Context) removeBackend(b *Backend) {
	for i, other := range c.backends {
		if other == b {
			c.backends = append(c.backends[:i], c.backends[i+1:]...)
			return
		}
	}
}
