package console

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nerrad567/xenbackend/internal/backend"
	"github.com/nerrad567/xenbackend/internal/eventloop"
	"github.com/nerrad567/xenbackend/internal/hypervisor"
)

// ClassName is the store directory name of the console class.
const ClassName = "console"

// maxLine bounds a line that never sees a newline.
const maxLine = 4096

// Poller is the part of the event loop the console needs.
type Poller interface {
	Add(fd int, h eventloop.Handler) error
	Remove(fd int)
}

// Options configures the console class.
type Options struct {
	// Poller receives each bound event channel descriptor. Required.
	Poller Poller

	// Output receives guest lines, one per line, prefixed with Prefix.
	// Nil disables it.
	Output io.Writer

	// Prefix is formatted with the guest domid and device id, e.g.
	// "[dom%d.%d] ". Empty means no prefix.
	Prefix string

	// Logger logs each line at info level. Nil disables it.
	Logger backend.Logger
}

// Class implements backend.Class for consoles.
type Class struct {
	opts Options
}

// New creates the console class.
func New(opts Options) (*Class, error) {
	if opts.Poller == nil {
		return nil, errors.New("console: poller is required")
	}
	return &Class{opts: opts}, nil
}

// Alloc implements backend.Class.
func (c *Class) Alloc(b *backend.Backend, devid int, _ any) (backend.Device, error) {
	return &device{class: c, b: b, devid: devid, fd: -1}, nil
}

// device is one console. Its fields are only touched on the loop goroutine.
type device struct {
	class *Class
	b     *backend.Backend
	devid int

	fd      int
	page    hypervisor.Region
	partial []byte
}

// Init implements backend.Device. Consoles need nothing before the
// frontend connects.
func (d *device) Init() error {
	return nil
}

// Connect implements backend.Device.
func (d *device) Connect() error {
	page, err := d.b.MapSharedPage(d.devid)
	if err != nil {
		return fmt.Errorf("mapping console page: %w", err)
	}

	fd, err := d.b.BindChannel(d.devid)
	if err != nil {
		d.b.UnmapSharedPage(page) //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("binding console channel: %w", err)
	}

	handle, err := d.b.ChannelHandle(d.devid)
	if err == nil {
		ctx := d.b.Context()
		err = d.class.opts.Poller.Add(fd, func() { ctx.DispatchChannelEvent(handle) })
	}
	if err != nil {
		d.b.UnbindChannel(d.devid)
		d.b.UnmapSharedPage(page) //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("polling console channel: %w", err)
	}

	d.page = page
	d.fd = fd

	// Output written before we connected is already in the ring.
	d.drain()
	return nil
}

// Disconnect implements backend.Device.
func (d *device) Disconnect() {
	if d.fd >= 0 {
		d.class.opts.Poller.Remove(d.fd)
		d.fd = -1
	}
	d.b.UnbindChannel(d.devid)

	if d.page != nil {
		d.drain()
		d.b.UnmapSharedPage(d.page) //nolint:errcheck // Nothing left to do on failure
		d.page = nil
	}
	d.flush()
}

// Event implements backend.Device.
func (d *device) Event() {
	if d.drain() {
		if err := d.b.NotifyChannel(d.devid); err != nil {
			d.logWarn("notifying console", err)
		}
	}
}

// Free implements backend.Device.
func (d *device) Free() {
	d.partial = nil
}

// drain empties the out ring and reports whether anything was consumed.
func (d *device) drain() bool {
	if d.page == nil {
		return false
	}
	data, err := drainOut(d.page.Bytes())
	if err != nil {
		d.logWarn("draining console ring", err)
		return true
	}
	if len(data) == 0 {
		return false
	}

	d.partial = append(d.partial, data...)
	for {
		i := bytes.IndexByte(d.partial, '\n')
		if i < 0 {
			break
		}
		d.emit(d.partial[:i])
		d.partial = d.partial[i+1:]
	}
	if len(d.partial) >= maxLine {
		d.flush()
	}
	return true
}

// flush emits an unterminated line.
func (d *device) flush() {
	if len(d.partial) > 0 {
		d.emit(d.partial)
		d.partial = nil
	}
}

func (d *device) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	opts := d.class.opts

	if opts.Output != nil {
		prefix := ""
		if opts.Prefix != "" {
			prefix = fmt.Sprintf(opts.Prefix, d.b.DomID(), d.devid)
		}
		fmt.Fprintf(opts.Output, "%s%s\n", prefix, text) //nolint:errcheck // Output is best effort
	}
	if opts.Logger != nil {
		opts.Logger.Info("console output", "domid", d.b.DomID(), "devid", d.devid, "line", text)
	}
}

func (d *device) logWarn(msg string, err error) {
	if d.class.opts.Logger != nil {
		d.class.opts.Logger.Warn(msg, "domid", d.b.DomID(), "devid", d.devid, "error", err)
	}
}
