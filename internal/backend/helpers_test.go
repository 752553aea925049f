package backend

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/nerrad567/xenbackend/internal/hypervisor"
	"github.com/nerrad567/xenbackend/internal/xenstore"
)

const (
	testGuest     = 5
	testClassName = "vkbd"
	testBackend   = "/local/domain/0/backend/vkbd/5"
)

func frontendPath(id int) string {
	return fmt.Sprintf("/local/domain/%d/device/%s/%d", testGuest, testClassName, id)
}

func backendNode(id int, node string) string {
	return xenstore.Join(testBackend, strconv.Itoa(id), node)
}

// testDevice records every callback into its class's log.
type testDevice struct {
	class *testClass
	id    int

	initErr    error
	connectErr error

	events    int
	beChanges []string
	feChanges []string
}

func (d *testDevice) log(call string) {
	d.class.calls = append(d.class.calls, fmt.Sprintf("%s:%d", call, d.id))
}

func (d *testDevice) Init() error {
	d.log("init")
	return d.initErr
}

func (d *testDevice) Connect() error {
	d.log("connect")
	return d.connectErr
}

func (d *testDevice) Disconnect() { d.log("disconnect") }
func (d *testDevice) Free()       { d.log("free") }

func (d *testDevice) Event() {
	d.events++
	d.log("event")
}

func (d *testDevice) BackendChanged(node, value string) {
	d.beChanges = append(d.beChanges, node+"="+value)
}

func (d *testDevice) FrontendChanged(node, value string) {
	d.feChanges = append(d.feChanges, node+"="+value)
}

// testClass allocates testDevices and keeps an ordered call log.
type testClass struct {
	calls    []string
	devices  map[int]*testDevice
	allocErr error

	// initErr and connectErr seed every new device.
	initErr    error
	connectErr error
}

func newTestClass() *testClass {
	return &testClass{devices: make(map[int]*testDevice)}
}

func (c *testClass) Alloc(_ *Backend, devid int, _ any) (Device, error) {
	c.calls = append(c.calls, fmt.Sprintf("alloc:%d", devid))
	if c.allocErr != nil {
		return nil, c.allocErr
	}
	d := &testDevice{class: c, id: devid, initErr: c.initErr, connectErr: c.connectErr}
	c.devices[devid] = d
	return d, nil
}

func (c *testClass) count(call string) int {
	n := 0
	for _, got := range c.calls {
		if got == call {
			n++
		}
	}
	return n
}

// harness wires a Context to an in-memory store and fake hypervisor.
type harness struct {
	t      *testing.T
	store  *xenstore.MemStore
	hv     *hypervisor.Fake
	ctx    *Context
	class  *testClass
	events []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		store: xenstore.NewMemStore(),
		hv:    hypervisor.NewFake(),
		class: newTestClass(),
	}
	ctx, err := New(Options{
		Store:    h.store,
		Watcher:  h.store,
		Control:  h.hv,
		DomID:    0,
		Observer: ObserverFunc(func(ev Event) { h.events = append(h.events, ev) }),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.ctx = ctx
	return h
}

// seed describes the store contents for one device.
type seed struct {
	online  bool
	beState State
	feState State
	noState bool
}

func (h *harness) seed(id int, s seed) {
	h.t.Helper()

	online := "0"
	if s.online {
		online = "1"
	}
	h.write(backendNode(id, "frontend"), frontendPath(id))
	h.write(backendNode(id, "online"), online)
	if !s.noState {
		h.write(backendNode(id, "state"), strconv.Itoa(int(s.beState)))
	}
	h.write(xenstore.Join(frontendPath(id), "state"), strconv.Itoa(int(s.feState)))
}

func (h *harness) write(p, v string) {
	h.t.Helper()
	if err := h.store.Write(p, v); err != nil {
		h.t.Fatalf("Write(%s) error = %v", p, err)
	}
}

func (h *harness) setFrontendState(id int, s State) {
	h.t.Helper()
	h.write(xenstore.Join(frontendPath(id), "state"), strconv.Itoa(int(s)))
	h.drain()
}

func (h *harness) register() *Backend {
	h.t.Helper()
	b, err := h.ctx.Register(testClassName, testGuest, h.class, nil)
	if err != nil {
		h.t.Fatalf("Register() error = %v", err)
	}
	return b
}

// drain dispatches queued watch events until the store is quiet.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; h.store.Pending(); i++ {
		if i > 1000 {
			h.t.Fatal("watch events did not settle")
		}
		if err := h.ctx.DispatchWatchEvent(); err != nil {
			h.t.Fatalf("DispatchWatchEvent() error = %v", err)
		}
	}
}

func (h *harness) state(b *Backend, id int) State {
	h.t.Helper()
	info, err := b.Info(id)
	if err != nil {
		h.t.Fatalf("Info(%d) error = %v", id, err)
	}
	return info.State
}

func (h *harness) storedState(id int) string {
	h.t.Helper()
	v, err := h.store.Read(backendNode(id, "state"))
	if err != nil {
		h.t.Fatalf("Read(state) error = %v", err)
	}
	return v
}

// connected registers one device and drives it to Connected.
func (h *harness) connected(id int) *Backend {
	h.t.Helper()
	h.seed(id, seed{online: true, beState: StateInitialising, feState: StateInitialising})
	b := h.register()
	h.setFrontendState(id, StateConnected)
	if got := h.state(b, id); got != StateConnected {
		h.t.Fatalf("state = %v, want Connected", got)
	}
	return b
}
