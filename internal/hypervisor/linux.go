//go:build linux && (amd64 || arm64)

package hypervisor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers, _IOC(_IOC_NONE, type, nr, sizeof(arg)).
const (
	ioctlEvtchnBindInterdomain = 0x00084501 // 'E', 1, 8 bytes
	ioctlEvtchnUnbind          = 0x00044503 // 'E', 3, 4 bytes
	ioctlEvtchnNotify          = 0x00044504 // 'E', 4, 4 bytes
	ioctlPrivcmdMmapBatchV2    = 0x00205004 // 'P', 4, 32 bytes
	ioctlGntdevMapGrantRef     = 0x00184700 // 'G', 0, 24 bytes
	ioctlGntdevUnmapGrantRef   = 0x00104701 // 'G', 1, 16 bytes
)

type evtchnBindInterdomain struct {
	remoteDomain uint32
	remotePort   uint32
}

type evtchnPort struct {
	port uint32
}

// privcmdMmapBatchV2 matches struct privcmd_mmapbatch_v2 on 64-bit kernels.
type privcmdMmapBatchV2 struct {
	num  uint32
	dom  uint16
	_    [2]byte
	addr uint64
	arr  *uint64
	err  *int32
}

type gntdevMapGrantRef struct {
	count uint32
	_     uint32
	index uint64
	domid uint32
	ref   uint32
}

type gntdevUnmapGrantRef struct {
	index uint64
	count uint32
	_     uint32
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// linuxControl owns the privcmd and gntdev descriptors.
type linuxControl struct {
	paths Paths

	mu      sync.Mutex
	privcmd int
	gntdev  int
	closed  bool
}

// Open opens the hypervisor control devices.
//
// privcmd is required. gntdev is opened on first use so hosts without the
// grant device can still map foreign pages.
//
// Parameters:
//   - paths: Device nodes; empty fields fall back to DefaultPaths
//
// Returns:
//   - Control: Ready for use
//   - error: If privcmd cannot be opened
func Open(paths Paths) (Control, error) {
	paths = paths.withDefaults()

	fd, err := unix.Open(paths.Privcmd, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", paths.Privcmd, err)
	}
	return &linuxControl{paths: paths, privcmd: fd, gntdev: -1}, nil
}

// OpenEventChannel implements Control.
func (c *linuxControl) OpenEventChannel() (EventChannel, error) {
	fd, err := unix.Open(c.paths.Evtchn, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", c.paths.Evtchn, err)
	}
	return &linuxEventChannel{fd: fd, ports: make(map[uint32]struct{})}, nil
}

// MapForeignPage implements Control.
func (c *linuxControl) MapForeignPage(domid uint32, mfn uint64) (Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	mem, err := unix.Mmap(c.privcmd, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap privcmd: %w", err)
	}

	pfn := mfn
	var pageErr int32
	batch := privcmdMmapBatchV2{
		num:  1,
		dom:  uint16(domid), // #nosec G115 -- domid_t is 16 bits
		addr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		arr:  &pfn,
		err:  &pageErr,
	}
	if _, err := ioctl(c.privcmd, ioctlPrivcmdMmapBatchV2, unsafe.Pointer(&batch)); err != nil {
		unix.Munmap(mem) //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("mapping mfn %d of domain %d: %w", mfn, domid, err)
	}
	if pageErr != 0 {
		unix.Munmap(mem) //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("mapping mfn %d of domain %d: %w", mfn, domid, unix.Errno(-pageErr))
	}

	return &mapping{mem: mem, release: func() error { return unix.Munmap(mem) }}, nil
}

// MapGrantRef implements Control.
func (c *linuxControl) MapGrantRef(domid, ref uint32) (Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.gntdev < 0 {
		fd, err := unix.Open(c.paths.Gntdev, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", c.paths.Gntdev, err)
		}
		c.gntdev = fd
	}

	req := gntdevMapGrantRef{count: 1, domid: domid, ref: ref}
	if _, err := ioctl(c.gntdev, ioctlGntdevMapGrantRef, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("granting ref %d of domain %d: %w", ref, domid, err)
	}

	gntdev := c.gntdev
	unmapRef := func() error {
		u := gntdevUnmapGrantRef{index: req.index, count: 1}
		_, err := ioctl(gntdev, ioctlGntdevUnmapGrantRef, unsafe.Pointer(&u))
		return err
	}

	mem, err := unix.Mmap(gntdev, int64(req.index), PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED) // #nosec G115 -- kernel-chosen offset
	if err != nil {
		unmapRef() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("mmap gntdev: %w", err)
	}

	return &mapping{mem: mem, release: func() error {
		if err := unix.Munmap(mem); err != nil {
			return err
		}
		return unmapRef()
	}}, nil
}

// Close implements Control.
func (c *linuxControl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := unix.Close(c.privcmd)
	if c.gntdev >= 0 {
		unix.Close(c.gntdev) //nolint:errcheck // privcmd error takes precedence
	}
	return err
}

// linuxEventChannel is one open /dev/xen/evtchn descriptor.
type linuxEventChannel struct {
	mu     sync.Mutex
	fd     int
	ports  map[uint32]struct{}
	closed bool
}

// Fd implements EventChannel.
func (e *linuxEventChannel) Fd() int {
	return e.fd
}

// BindInterdomain implements EventChannel.
func (e *linuxEventChannel) BindInterdomain(domid, remotePort uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	arg := evtchnBindInterdomain{remoteDomain: domid, remotePort: remotePort}
	r, err := ioctl(e.fd, ioctlEvtchnBindInterdomain, unsafe.Pointer(&arg))
	if err != nil {
		return 0, fmt.Errorf("binding port %d of domain %d: %w", remotePort, domid, err)
	}
	port := uint32(r) // #nosec G115 -- ports fit in 32 bits
	e.ports[port] = struct{}{}
	return port, nil
}

// Unbind implements EventChannel.
func (e *linuxEventChannel) Unbind(port uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.ports[port]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPort, port)
	}
	arg := evtchnPort{port: port}
	if _, err := ioctl(e.fd, ioctlEvtchnUnbind, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("unbinding port %d: %w", port, err)
	}
	delete(e.ports, port)
	return nil
}

// Notify implements EventChannel.
func (e *linuxEventChannel) Notify(port uint32) error {
	arg := evtchnPort{port: port}
	if _, err := ioctl(e.fd, ioctlEvtchnNotify, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("notifying port %d: %w", port, err)
	}
	return nil
}

// Pending implements EventChannel. The kernel masks the port until Unmask.
func (e *linuxEventChannel) Pending() (uint32, error) {
	var buf [4]byte
	n, err := unix.Read(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, ErrNoPending
	}
	if err != nil {
		return 0, fmt.Errorf("reading pending port: %w", err)
	}
	if n != len(buf) {
		return 0, ErrNoPending
	}
	return binary.NativeEndian.Uint32(buf[:]), nil
}

// Unmask implements EventChannel.
func (e *linuxEventChannel) Unmask(port uint32) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], port)
	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return fmt.Errorf("unmasking port %d: %w", port, err)
	}
	return nil
}

// Close implements EventChannel. Closing the descriptor unbinds its ports.
func (e *linuxEventChannel) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.ports = nil
	return unix.Close(e.fd)
}

// mapping is a page mapped into this process.
type mapping struct {
	mem     []byte
	release func() error
	once    sync.Once
}

// Bytes implements Region.
func (m *mapping) Bytes() []byte {
	return m.mem
}

// Unmap implements Region. Repeated calls are no-ops.
func (m *mapping) Unmap() error {
	var err error
	m.once.Do(func() {
		err = m.release()
		m.mem = nil
	})
	return err
}
