package hypervisor

import (
	"fmt"
	"sync"
)

// Fake is an in-memory Control for tests.
//
// Event channels hand out increasing local ports and fake descriptors.
// Foreign pages and grant refs map to buffers registered with SetForeignPage
// and SetGrantPage, or to fresh zeroed pages when none is registered, so a
// test can inspect what a backend wrote through the mapping.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Fake struct {
	mu sync.Mutex

	nextFd   int
	nextPort uint32
	channels []*FakeChannel
	foreign  map[pageKey][]byte
	grants   map[pageKey][]byte
	mapped   int
	closed   bool

	// OpenErr, when set, is returned by OpenEventChannel.
	OpenErr error

	// BindErr, when set, is returned by every channel's BindInterdomain.
	BindErr error

	// MapErr, when set, is returned by MapForeignPage and MapGrantRef.
	MapErr error
}

type pageKey struct {
	domid uint32
	ref   uint64
}

// NewFake creates an empty fake hypervisor.
func NewFake() *Fake {
	return &Fake{
		nextFd:   100,
		nextPort: 1,
		foreign:  make(map[pageKey][]byte),
		grants:   make(map[pageKey][]byte),
	}
}

// OpenEventChannel implements Control.
func (f *Fake) OpenEventChannel() (EventChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	ch := &FakeChannel{owner: f, fd: f.nextFd, bound: make(map[uint32]Binding)}
	f.nextFd++
	f.channels = append(f.channels, ch)
	return ch, nil
}

// MapForeignPage implements Control.
func (f *Fake) MapForeignPage(domid uint32, mfn uint64) (Region, error) {
	return f.mapPage(f.foreign, pageKey{domid: domid, ref: mfn})
}

// MapGrantRef implements Control.
func (f *Fake) MapGrantRef(domid, ref uint32) (Region, error) {
	return f.mapPage(f.grants, pageKey{domid: domid, ref: uint64(ref)})
}

func (f *Fake) mapPage(pages map[pageKey][]byte, key pageKey) (Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MapErr != nil {
		return nil, f.MapErr
	}
	page, ok := pages[key]
	if !ok {
		page = make([]byte, PageSize)
		pages[key] = page
	}
	f.mapped++
	return &FakeRegion{owner: f, mem: page}, nil
}

// Close implements Control.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SetForeignPage registers the memory returned when mapping mfn of domid.
// The slice is shared, not copied.
func (f *Fake) SetForeignPage(domid uint32, mfn uint64, page []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreign[pageKey{domid: domid, ref: mfn}] = page
}

// SetGrantPage registers the memory returned when mapping grant ref of domid.
func (f *Fake) SetGrantPage(domid, ref uint32, page []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[pageKey{domid: domid, ref: uint64(ref)}] = page
}

// Channels returns every channel opened so far, in order.
func (f *Fake) Channels() []*FakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeChannel, len(f.channels))
	copy(out, f.channels)
	return out
}

// OpenChannels counts channels that have not been closed.
func (f *Fake) OpenChannels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ch := range f.channels {
		if !ch.closed {
			n++
		}
	}
	return n
}

// MappedRegions counts regions that have not been unmapped.
func (f *Fake) MappedRegions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mapped
}

// ChannelByFd finds an open channel by its fake descriptor.
func (f *Fake) ChannelByFd(fd int) *FakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.fd == fd && !ch.closed {
			return ch
		}
	}
	return nil
}

// Binding records the remote end of a bound local port.
type Binding struct {
	Domid      uint32
	RemotePort uint32
}

// FakeChannel is an event channel handle created by Fake.
type FakeChannel struct {
	owner *Fake

	fd       int
	bound    map[uint32]Binding
	pending  []uint32
	notified []uint32
	unmasked []uint32
	closed   bool
}

// Fd implements EventChannel.
func (c *FakeChannel) Fd() int {
	return c.fd
}

// BindInterdomain implements EventChannel.
func (c *FakeChannel) BindInterdomain(domid, remotePort uint32) (uint32, error) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if c.owner.BindErr != nil {
		return 0, c.owner.BindErr
	}
	port := c.owner.nextPort
	c.owner.nextPort++
	c.bound[port] = Binding{Domid: domid, RemotePort: remotePort}
	return port, nil
}

// Unbind implements EventChannel.
func (c *FakeChannel) Unbind(port uint32) error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if _, ok := c.bound[port]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPort, port)
	}
	delete(c.bound, port)
	return nil
}

// Notify implements EventChannel.
func (c *FakeChannel) Notify(port uint32) error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if _, ok := c.bound[port]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPort, port)
	}
	c.notified = append(c.notified, port)
	return nil
}

// Pending implements EventChannel.
func (c *FakeChannel) Pending() (uint32, error) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if len(c.pending) == 0 {
		return 0, ErrNoPending
	}
	port := c.pending[0]
	c.pending = c.pending[1:]
	return port, nil
}

// Unmask implements EventChannel.
func (c *FakeChannel) Unmask(port uint32) error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	c.unmasked = append(c.unmasked, port)
	return nil
}

// Close implements EventChannel.
func (c *FakeChannel) Close() error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	c.closed = true
	c.bound = make(map[uint32]Binding)
	return nil
}

// Fire queues port as pending, as if the remote end had notified it.
func (c *FakeChannel) Fire(port uint32) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	c.pending = append(c.pending, port)
}

// Bound returns the binding of a local port.
func (c *FakeChannel) Bound(port uint32) (Binding, bool) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	b, ok := c.bound[port]
	return b, ok
}

// BoundPorts counts ports currently bound on this handle.
func (c *FakeChannel) BoundPorts() int {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	return len(c.bound)
}

// Notified returns the ports passed to Notify, in order.
func (c *FakeChannel) Notified() []uint32 {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	return append([]uint32(nil), c.notified...)
}

// Unmasked returns the ports passed to Unmask, in order.
func (c *FakeChannel) Unmasked() []uint32 {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	return append([]uint32(nil), c.unmasked...)
}

// IsClosed reports whether Close was called.
func (c *FakeChannel) IsClosed() bool {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	return c.closed
}

// FakeRegion is a page mapped through Fake.
type FakeRegion struct {
	owner    *Fake
	mem      []byte
	unmapped bool
}

// Bytes implements Region.
func (r *FakeRegion) Bytes() []byte {
	return r.mem
}

// Unmap implements Region. Repeated calls are no-ops.
func (r *FakeRegion) Unmap() error {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	if r.unmapped {
		return nil
	}
	r.unmapped = true
	r.owner.mapped--
	return nil
}

// Unmapped reports whether Unmap was called.
func (r *FakeRegion) Unmapped() bool {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	return r.unmapped
}
