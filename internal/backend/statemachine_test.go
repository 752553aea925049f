package backend

import (
	"errors"
	"reflect"
	"testing"

	"github.com/nerrad567/xenbackend/internal/xenstore"
)

func TestStateMachine_OfflineNeverPassesInitialising(t *testing.T) {
	h := newHarness(t)
	h.seed(0, seed{online: false, beState: StateInitialising, feState: StateInitialising})
	b := h.register()

	for _, fe := range []State{StateInitialised, StateConnected} {
		h.setFrontendState(0, fe)
		if got := h.state(b, 0); got != StateInitialising {
			t.Errorf("frontend %v: state = %v, want Initialising", fe, got)
		}
	}
	if h.class.count("init:0") != 0 || h.class.count("connect:0") != 0 {
		t.Errorf("calls = %v, want no init or connect", h.class.calls)
	}

	// Coming online later resumes the handshake in one pass.
	h.write(backendNode(0, "online"), "1")
	h.drain()
	if got := h.state(b, 0); got != StateConnected {
		t.Errorf("state after online = %v, want Connected", got)
	}
}

func TestStateMachine_WaitsForToolstack(t *testing.T) {
	h := newHarness(t)
	h.seed(0, seed{online: true, noState: true, feState: StateInitialising})
	b := h.register()
	h.drain()

	if got := h.state(b, 0); got != StateUnknown {
		t.Fatalf("state = %v, want Unknown", got)
	}

	h.write(backendNode(0, "state"), "1")
	h.drain()
	if got := h.state(b, 0); got != StateInitWait {
		t.Errorf("state = %v, want InitWait", got)
	}
}

func TestStateMachine_RecoversStaleConnected(t *testing.T) {
	tests := []struct {
		name      string
		feState   State
		wantState State
		wantCalls []string
	}{
		{
			name:      "frontend ready",
			feState:   StateConnected,
			wantState: StateConnected,
			wantCalls: []string{"alloc:0", "init:0", "connect:0"},
		},
		{
			name:      "frontend restarting",
			feState:   StateInitialising,
			wantState: StateInitWait,
			wantCalls: []string{"alloc:0", "init:0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(0, seed{online: true, beState: StateConnected, feState: tt.feState})

			b := h.register()

			if got := h.state(b, 0); got != tt.wantState {
				t.Errorf("state = %v, want %v", got, tt.wantState)
			}
			if !reflect.DeepEqual(h.class.calls, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", h.class.calls, tt.wantCalls)
			}

			// The device went through setup again rather than staying Connected.
			var path []State
			for _, ev := range h.events {
				if ev.Kind == EventTransition {
					path = append(path, ev.To)
				}
			}
			if len(path) == 0 || path[0] != StateInitialising {
				t.Errorf("transitions = %v, want to start at Initialising", path)
			}
		})
	}
}

func TestStateMachine_DisconnectExactlyOnce(t *testing.T) {
	h := newHarness(t)
	b := h.connected(0)

	h.setFrontendState(0, StateClosing)
	if got := h.state(b, 0); got != StateClosing {
		t.Errorf("state = %v, want Closing", got)
	}

	h.setFrontendState(0, StateClosed)
	h.setFrontendState(0, StateClosed)
	h.write(xenstore.Join(frontendPath(0), "state"), "5")
	h.drain()

	if n := h.class.count("disconnect:0"); n != 1 {
		t.Errorf("disconnect called %d times, want 1", n)
	}
}

func TestStateMachine_FrontendClosesFromInitWait(t *testing.T) {
	h := newHarness(t)
	h.seed(0, seed{online: true, beState: StateInitialising, feState: StateInitialising})
	b := h.register()
	token := b.devices[0].token

	h.setFrontendState(0, StateClosed)

	if got := h.state(b, 0); got != StateClosed {
		t.Errorf("state = %v, want Closed", got)
	}
	if got := h.storedState(0); got != "6" {
		t.Errorf("stored state = %q, want 6", got)
	}
	if n := h.class.count("disconnect:0"); n != 1 {
		t.Errorf("disconnect called %d times, want 1", n)
	}
	if !h.store.Watching(frontendPath(0), token) {
		t.Error("frontend watch removed before the device was")
	}
}

func TestStateMachine_ResetAfterClose(t *testing.T) {
	h := newHarness(t)
	b := h.connected(0)

	h.setFrontendState(0, StateClosed)
	h.setFrontendState(0, StateInitialising)

	if got := h.state(b, 0); got != StateInitWait {
		t.Errorf("state = %v, want InitWait", got)
	}
	if n := h.class.count("init:0"); n != 2 {
		t.Errorf("init called %d times, want 2", n)
	}

	h.setFrontendState(0, StateConnected)
	if got := h.state(b, 0); got != StateConnected {
		t.Errorf("state after reconnect = %v, want Connected", got)
	}
}

func TestStateMachine_CallbackFailureStalls(t *testing.T) {
	t.Run("init", func(t *testing.T) {
		h := newHarness(t)
		h.class.initErr = errors.New("not ready")
		h.seed(0, seed{online: true, beState: StateInitialising, feState: StateConnected})
		b := h.register()

		if got := h.state(b, 0); got != StateInitialising {
			t.Errorf("state = %v, want Initialising", got)
		}
		if _, err := h.store.Read(backendNode(0, "hotplug-status")); !errors.Is(err, xenstore.ErrNotFound) {
			t.Error("hotplug-status written despite failed init")
		}

		// The next relevant notification retries.
		h.class.devices[0].initErr = nil
		h.write(backendNode(0, "online"), "1")
		h.drain()
		if got := h.state(b, 0); got != StateConnected {
			t.Errorf("state after retry = %v, want Connected", got)
		}
	})

	t.Run("connect", func(t *testing.T) {
		h := newHarness(t)
		h.class.connectErr = errors.New("ring not mapped")
		h.seed(0, seed{online: true, beState: StateInitialising, feState: StateInitialised})
		b := h.register()
		h.drain()

		if got := h.state(b, 0); got != StateInitWait {
			t.Errorf("state = %v, want InitWait", got)
		}
	})
}

func TestStateMachine_ChangeCallbacks(t *testing.T) {
	h := newHarness(t)
	h.seed(0, seed{online: true, beState: StateInitialising, feState: StateInitialising})
	b := h.register()
	h.drain()
	dev := h.class.devices[0]
	dev.beChanges, dev.feChanges = nil, nil

	h.write(backendNode(0, "mode"), "relative")
	h.write(xenstore.Join(frontendPath(0), "protocol"), "x86_32-abi")
	h.drain()

	if !contains(dev.beChanges, "mode=relative") {
		t.Errorf("backend changes = %v, want mode=relative", dev.beChanges)
	}
	if !contains(dev.feChanges, "protocol=x86_32-abi") {
		t.Errorf("frontend changes = %v, want protocol=x86_32-abi", dev.feChanges)
	}
	if got := b.Protocol(0); got != "x86_32-abi" {
		t.Errorf("Protocol() = %q, want x86_32-abi", got)
	}
}

func TestStateMachine_ObserverTransitions(t *testing.T) {
	h := newHarness(t)
	h.connected(0)

	var got []string
	for _, ev := range h.events {
		if ev.Kind == EventTransition {
			got = append(got, ev.From.String()+">"+ev.To.String())
		}
	}
	want := []string{"Unknown>Initialising", "Initialising>InitWait", "InitWait>Connected"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if h.events[0].Kind != EventAllocated || h.events[0].Class != testClassName || h.events[0].DomID != testGuest {
		t.Errorf("first event = %+v, want allocation", h.events[0])
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
