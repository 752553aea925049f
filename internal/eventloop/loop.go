package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Handler runs on the loop goroutine when its descriptor is readable.
type Handler func()

// Loop multiplexes readable descriptors onto one goroutine.
//
// Thread Safety:
//   - Add, Remove and Post may be called from any goroutine.
//   - Handlers and posted functions always run on the goroutine in Run.
type Loop struct {
	mu       sync.Mutex
	handlers map[int]Handler
	posted   []func()
	closed   bool

	// wakeR is polled alongside the handlers; writing to wakeW interrupts
	// a blocked poll.
	wakeR int
	wakeW int
}

// New creates an empty loop.
func New() (*Loop, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating wake pipe: %w", err)
	}
	return &Loop{
		handlers: make(map[int]Handler),
		wakeR:    p[0],
		wakeW:    p[1],
	}, nil
}

// Add registers a handler for fd.
//
// Parameters:
//   - fd: Descriptor polled for readability
//   - h: Called on the loop goroutine each time fd is readable
//
// Returns:
//   - error: ErrInvalidFd, ErrDuplicateFd or ErrClosed
func (l *Loop) Add(fd int, h Handler) error {
	if fd < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFd, fd)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.handlers[fd]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateFd, fd)
	}
	l.handlers[fd] = h
	l.wake()
	return nil
}

// Remove unregisters fd. Removing an unknown descriptor is a no-op.
func (l *Loop) Remove(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, fd)
	l.wake()
}

// Post schedules fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.posted = append(l.posted, fn)
	l.wake()
	return nil
}

// Len returns the number of registered descriptors.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// Run polls until ctx is cancelled or polling fails.
//
// Returns:
//   - error: nil when ctx is cancelled, otherwise the poll failure
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.wake()
		l.mu.Unlock()
	})
	defer stop()

	wakeFd := l.wakeR
	var fds []unix.PollFd

	for {
		if ctx.Err() != nil {
			return nil
		}

		fds = l.pollSet(fds[:0], wakeFd)
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		for _, p := range fds {
			if p.Revents == 0 {
				continue
			}
			if int(p.Fd) == wakeFd {
				l.drainWake()
				continue
			}
			// A handler earlier in this pass may have removed it.
			if h := l.handler(int(p.Fd)); h != nil {
				h()
			}
		}

		for _, fn := range l.takePosted() {
			fn()
		}
	}
}

// Close stops accepting work and releases the wake pipe. It must not be
// called while Run is active.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.handlers = nil
	unix.Close(l.wakeW) //nolint:errcheck // Read end error is reported
	return unix.Close(l.wakeR)
}

func (l *Loop) pollSet(fds []unix.PollFd, wakeFd int) []unix.PollFd {
	l.mu.Lock()
	defer l.mu.Unlock()

	fds = append(fds, unix.PollFd{Fd: int32(wakeFd), Events: unix.POLLIN}) // #nosec G115 -- descriptors fit int32
	keys := make([]int, 0, len(l.handlers))
	for fd := range l.handlers {
		keys = append(keys, fd)
	}
	sort.Ints(keys)
	for _, fd := range keys {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}) // #nosec G115 -- descriptors fit int32
	}
	return fds
}

func (l *Loop) handler(fd int) Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers[fd]
}

func (l *Loop) takePosted() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := l.posted
	l.posted = nil
	return fns
}

// wake must be called with mu held.
func (l *Loop) wake() {
	if l.closed {
		return
	}
	unix.Write(l.wakeW, []byte{0}) //nolint:errcheck // A full pipe already wakes the poller
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if err != nil || n < len(buf) {
			return
		}
	}
}
