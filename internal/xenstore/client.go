package xenstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Default locations of the store daemon.
const (
	// DefaultSocketPath is the unix socket exported by xenstored.
	DefaultSocketPath = "/var/run/xenstored/socket"

	// DefaultXenbusPath is the character device used when the daemon runs
	// in another domain.
	DefaultXenbusPath = "/dev/xen/xenbus"
)

// Wire protocol message types (xen/include/public/io/xs_wire.h).
const (
	msgDirectory     uint32 = 1
	msgRead          uint32 = 2
	msgWatch         uint32 = 4
	msgUnwatch       uint32 = 5
	msgGetDomainPath uint32 = 10
	msgWrite         uint32 = 11
	msgWatchEvent    uint32 = 15
	msgError         uint32 = 16
)

const (
	// headerSize is type, req_id, tx_id and len, each a little-endian u32.
	headerSize = 16

	// maxPayload is XENSTORE_PAYLOAD_MAX.
	maxPayload = 4096
)

// Client speaks the xenstored wire protocol over one connection.
//
// A reader goroutine demultiplexes replies and watch events. Requests may be
// issued from any goroutine; watch events are queued and announced on the
// descriptor returned by Fd.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex
	nextID  uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan reply
	err       error

	eventsMu sync.Mutex
	eventsCv *sync.Cond
	events   []WatchEvent
	failed   bool // reader has exited
	closed   bool // Close has released notifyR

	// notifyR holds one byte while events is non-empty or the reader has
	// failed. Both ends are non-blocking and guarded by eventsMu.
	notifyR int
	notifyW int

	closeOnce sync.Once
}

type reply struct {
	typ     uint32
	payload []byte
	err     error
}

// Dial connects to the store daemon.
//
// A path naming a unix socket is dialled; anything else (the xenbus device)
// is opened as a file.
//
// Parameters:
//   - path: Socket or device path (DefaultSocketPath, DefaultXenbusPath)
//
// Returns:
//   - *Client: Connected client with its reader running
//   - error: If the connection cannot be established
func Dial(path string) (*Client, error) {
	var conn io.ReadWriteCloser

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Mode()&os.ModeSocket != 0 {
		c, dialErr := net.Dial("unix", path)
		if dialErr != nil {
			return nil, fmt.Errorf("dialling %s: %w", path, dialErr)
		}
		conn = c
	} else {
		f, openErr := os.OpenFile(path, os.O_RDWR, 0)
		if openErr != nil {
			return nil, fmt.Errorf("opening %s: %w", path, openErr)
		}
		conn = f
	}

	c, err := NewClient(conn)
	if err != nil {
		conn.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}
	return c, nil
}

// NewClient wraps an established connection and starts its reader.
func NewClient(conn io.ReadWriteCloser) (*Client, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating watch pipe: %w", err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[uint32]chan reply),
		notifyR: p[0],
		notifyW: p[1],
	}
	c.eventsCv = sync.NewCond(&c.eventsMu)
	go c.readLoop()
	return c, nil
}

// Close shuts down the connection. Blocked callers receive ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()

		c.eventsMu.Lock()
		c.closed = true
		unix.Close(c.notifyR) //nolint:errcheck // Read end only
		c.eventsCv.Broadcast()
		c.eventsMu.Unlock()
	})
	return err
}

// Read implements Store.
func (c *Client) Read(p string) (string, error) {
	if !validPath(p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	payload, err := c.request(msgRead, cstrings(p))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return string(bytes.TrimRight(payload, "\x00")), nil
}

// Write implements Store.
func (c *Client) Write(p, value string) error {
	if !validPath(p) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	body := append(cstrings(p), value...)
	if _, err := c.request(msgWrite, body); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// Directory implements Store.
func (c *Client) Directory(p string) ([]string, error) {
	payload, err := c.request(msgDirectory, cstrings(p))
	if err != nil {
		return nil, fmt.Errorf("directory %s: %w", p, err)
	}
	return splitNul(payload), nil
}

// DomainPath implements Store.
func (c *Client) DomainPath(domid int) (string, error) {
	payload, err := c.request(msgGetDomainPath, cstrings(strconv.Itoa(domid)))
	if err != nil {
		return "", fmt.Errorf("domain path %d: %w", domid, err)
	}
	return string(bytes.TrimRight(payload, "\x00")), nil
}

// Watch implements Watcher. The daemon fires one event immediately.
func (c *Client) Watch(p, token string) error {
	if _, err := c.request(msgWatch, cstrings(p, token)); err != nil {
		return fmt.Errorf("watch %s: %w", p, err)
	}
	return nil
}

// Unwatch implements Watcher.
func (c *Client) Unwatch(p, token string) error {
	if _, err := c.request(msgUnwatch, cstrings(p, token)); err != nil {
		return fmt.Errorf("unwatch %s: %w", p, err)
	}
	return nil
}

// ReadWatch implements Watcher. It blocks until an event is queued or the
// connection is lost. Events queued before the loss are still returned.
func (c *Client) ReadWatch() (WatchEvent, error) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()

	for len(c.events) == 0 && !c.failed && !c.closed {
		c.eventsCv.Wait()
	}
	if len(c.events) == 0 {
		return WatchEvent{}, c.closedErr()
	}

	ev := c.events[0]
	c.events = c.events[1:]
	if len(c.events) == 0 && !c.failed {
		c.drainNotify()
	}
	return ev, nil
}

// Pending implements Watcher.
func (c *Client) Pending() bool {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	return len(c.events) > 0
}

// Fd implements Watcher.
func (c *Client) Fd() int {
	return c.notifyR
}

// signalNotify makes notifyR readable. Callers hold eventsMu.
func (c *Client) signalNotify() {
	unix.Write(c.notifyW, []byte{1}) //nolint:errcheck // EAGAIN: already signalled
}

// drainNotify empties notifyR. Callers hold eventsMu.
func (c *Client) drainNotify() {
	if c.closed {
		return
	}
	var buf [16]byte
	for {
		n, err := unix.Read(c.notifyR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// request sends one message and waits for its reply.
func (c *Client) request(typ uint32, body []byte) ([]byte, error) {
	if len(body) > maxPayload {
		return nil, fmt.Errorf("%w: payload %d exceeds %d bytes", ErrProtocol, len(body), maxPayload)
	}

	ch := make(chan reply, 1)

	c.pendingMu.Lock()
	if c.err != nil {
		err := c.err
		c.pendingMu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.pendingMu.Unlock()

	msg := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(msg[0:], typ)
	binary.LittleEndian.PutUint32(msg[4:], id)
	binary.LittleEndian.PutUint32(msg[8:], 0)
	binary.LittleEndian.PutUint32(msg[12:], uint32(len(body))) // #nosec G115 -- bounded by maxPayload
	copy(msg[headerSize:], body)

	c.writeMu.Lock()
	_, err := c.conn.Write(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}

	r := <-ch
	if r.err != nil {
		return nil, r.err
	}
	if r.typ == msgError {
		return nil, decodeError(r.payload)
	}
	if r.typ != typ {
		return nil, fmt.Errorf("%w: reply type %d for request type %d", ErrProtocol, r.typ, typ)
	}
	return r.payload, nil
}

// readLoop runs until the connection fails.
func (c *Client) readLoop() {
	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			c.fail(err)
			return
		}
		typ := binary.LittleEndian.Uint32(hdr[0:])
		id := binary.LittleEndian.Uint32(hdr[4:])
		n := binary.LittleEndian.Uint32(hdr[12:])
		if n > maxPayload {
			c.fail(fmt.Errorf("%w: payload length %d", ErrProtocol, n))
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.fail(err)
			return
		}

		if typ == msgWatchEvent {
			c.queueEvent(payload)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if ok {
			ch <- reply{typ: typ, payload: payload}
		}
	}
}

func (c *Client) queueEvent(payload []byte) {
	parts := splitNul(payload)
	if len(parts) < 2 {
		return
	}
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.events = append(c.events, WatchEvent{Path: parts[0], Token: parts[1]})
	if len(c.events) == 1 {
		c.signalNotify()
	}
	c.eventsCv.Broadcast()
}

// fail records the terminal error, wakes every waiter and the watch reader.
func (c *Client) fail(err error) {
	c.pendingMu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	for id, ch := range c.pending {
		ch <- reply{err: c.err}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	// The byte stays so the owner's poll keeps reporting the loss.
	c.eventsMu.Lock()
	c.failed = true
	c.signalNotify()
	c.eventsCv.Broadcast()
	c.eventsMu.Unlock()
	unix.Close(c.notifyW) //nolint:errcheck // Only the reader writes
}

func (c *Client) closedErr() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// decodeError maps an XS_ERROR payload ("ENOENT\0") to an error.
func decodeError(payload []byte) error {
	name := string(bytes.TrimRight(payload, "\x00"))
	if name == "ENOENT" {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s", ErrStore, name)
}

// cstrings encodes each string followed by a NUL.
func cstrings(s ...string) []byte {
	var b []byte
	for _, v := range s {
		b = append(b, v...)
		b = append(b, 0)
	}
	return b
}

// splitNul splits a NUL-separated list, dropping the empty trailing element.
func splitNul(b []byte) []string {
	s := strings.TrimRight(string(b), "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}
