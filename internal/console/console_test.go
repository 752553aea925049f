package console

import (
	"bytes"
	"testing"

	"github.com/nerrad567/xenbackend/internal/backend"
	"github.com/nerrad567/xenbackend/internal/eventloop"
	"github.com/nerrad567/xenbackend/internal/hypervisor"
	"github.com/nerrad567/xenbackend/internal/xenstore"
)

const (
	guest     = 3
	mfn       = 100
	consoleBE = "/local/domain/0/backend/console/3/0"
	consoleFE = "/local/domain/3/console"
)

// fakePoller records descriptors instead of polling them.
type fakePoller struct {
	handlers map[int]eventloop.Handler
	removed  []int
}

func (p *fakePoller) Add(fd int, h eventloop.Handler) error {
	p.handlers[fd] = h
	return nil
}

func (p *fakePoller) Remove(fd int) {
	delete(p.handlers, fd)
	p.removed = append(p.removed, fd)
}

type fixture struct {
	t      *testing.T
	store  *xenstore.MemStore
	hv     *hypervisor.Fake
	ctx    *backend.Context
	poller *fakePoller
	out    *bytes.Buffer
	page   []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:      t,
		store:  xenstore.NewMemStore(),
		hv:     hypervisor.NewFake(),
		poller: &fakePoller{handlers: make(map[int]eventloop.Handler)},
		out:    &bytes.Buffer{},
		page:   make([]byte, hypervisor.PageSize),
	}
	f.hv.SetForeignPage(guest, mfn, f.page)

	ctx, err := backend.New(backend.Options{Store: f.store, Watcher: f.store, Control: f.hv})
	if err != nil {
		t.Fatalf("backend.New() error = %v", err)
	}
	f.ctx = ctx

	for p, v := range map[string]string{
		consoleBE + "/frontend":      consoleFE,
		consoleBE + "/online":        "1",
		consoleBE + "/state":         "1",
		consoleFE + "/state":         "4",
		consoleFE + "/page-ref":      "100",
		consoleFE + "/event-channel": "7",
	} {
		if err := f.store.Write(p, v); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *fixture) register() *backend.Backend {
	f.t.Helper()
	cls, err := New(Options{Poller: f.poller, Output: f.out, Prefix: "[dom%d.%d] "})
	if err != nil {
		f.t.Fatalf("New() error = %v", err)
	}
	b, err := f.ctx.Register(ClassName, guest, cls, nil)
	if err != nil {
		f.t.Fatalf("Register() error = %v", err)
	}
	return b
}

func (f *fixture) drainWatches() {
	f.t.Helper()
	for i := 0; f.store.Pending(); i++ {
		if i > 1000 {
			f.t.Fatal("watch events did not settle")
		}
		f.ctx.DispatchWatchEvent() //nolint:errcheck // MemStore never fails while pending
	}
}

func TestConsole_ConnectDrainsExistingOutput(t *testing.T) {
	f := newFixture(t)
	produce(f.page, "booting\r\nkernel: ")

	b := f.register()

	info, err := b.Info(0)
	if err != nil {
		t.Fatal(err)
	}
	if info.State != backend.StateConnected {
		t.Fatalf("state = %v, want Connected", info.State)
	}
	if !info.Bound() {
		t.Error("event channel not bound")
	}
	if len(f.poller.handlers) != 1 {
		t.Errorf("poller has %d descriptors, want 1", len(f.poller.handlers))
	}
	if got := f.out.String(); got != "[dom3.0] booting\n" {
		t.Errorf("output = %q", got)
	}
}

func TestConsole_EventDrainsAndNotifies(t *testing.T) {
	f := newFixture(t)
	b := f.register()
	info, _ := b.Info(0)

	var fd int
	var handler eventloop.Handler
	for k, h := range f.poller.handlers {
		fd, handler = k, h
	}
	ch := f.hv.ChannelByFd(fd)
	if ch == nil {
		t.Fatalf("no channel for fd %d", fd)
	}

	produce(f.page, "login: ")
	produce(f.page, "root\nsecond line\n")
	ch.Fire(uint32(info.Port))
	handler()

	want := "[dom3.0] login: root\n[dom3.0] second line\n"
	if got := f.out.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if got := ch.Notified(); len(got) != 1 {
		t.Errorf("Notified() = %v, want one notification", got)
	}
}

func TestConsole_DisconnectReleasesResources(t *testing.T) {
	f := newFixture(t)
	b := f.register()
	produce(f.page, "unterminated")

	if err := f.store.Write(consoleFE+"/state", "6"); err != nil {
		t.Fatal(err)
	}
	f.drainWatches()

	info, _ := b.Info(0)
	if info.State != backend.StateClosed {
		t.Errorf("state = %v, want Closed", info.State)
	}
	if info.Bound() {
		t.Error("port still bound after disconnect")
	}
	if len(f.poller.handlers) != 0 || len(f.poller.removed) != 1 {
		t.Errorf("poller handlers=%d removed=%v", len(f.poller.handlers), f.poller.removed)
	}
	if f.hv.MappedRegions() != 0 {
		t.Errorf("MappedRegions() = %d, want 0", f.hv.MappedRegions())
	}
	if got := f.out.String(); got != "[dom3.0] unterminated\n" {
		t.Errorf("output = %q, want flushed partial line", got)
	}
}

func TestConsole_ConnectWithoutPageRef(t *testing.T) {
	f := newFixture(t)
	f.store.Remove(consoleFE + "/page-ref") //nolint:errcheck // Present from fixture
	b := f.register()

	info, _ := b.Info(0)
	if info.State != backend.StateInitWait {
		t.Errorf("state = %v, want InitWait until the page is advertised", info.State)
	}

	f.store.Write(consoleFE+"/page-ref", "100") //nolint:errcheck // MemStore
	f.store.Write(consoleFE+"/state", "4")      //nolint:errcheck // Frontend re-announces
	f.drainWatches()

	info, _ = b.Info(0)
	if info.State != backend.StateConnected {
		t.Errorf("state = %v, want Connected", info.State)
	}
}

func TestNew_RequiresPoller(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New() expected error without poller")
	}
}
