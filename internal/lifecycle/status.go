package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/xenbackend/internal/backend"
)

// DeviceStatus is the latest known condition of one device, as rebuilt
// from the lifecycle stream.
type DeviceStatus struct {
	DeviceKey
	State    backend.State `json:"state"`
	Frontend backend.State `json:"frontend"`
	Online   bool          `json:"online"`

	// Channels counts event channel notifications since allocation.
	Channels uint64 `json:"channels"`

	// Since is when the device was allocated.
	Since time.Time `json:"since"`

	// Updated is the time of the latest record for the device.
	Updated time.Time `json:"updated"`
}

// StatusView keeps the latest status of every live device for readers
// on other goroutines, such as HTTP handlers.
//
// The backend core is owned by one goroutine and cannot be queried
// concurrently; the view is fed from the recorder instead.
type StatusView struct {
	mu      sync.RWMutex
	devices map[DeviceKey]*DeviceStatus
}

// NewStatusView creates an empty view.
func NewStatusView() *StatusView {
	return &StatusView{devices: make(map[DeviceKey]*DeviceStatus)}
}

// Name implements Sink.
func (v *StatusView) Name() string { return "status" }

// Handle implements Sink.
func (v *StatusView) Handle(_ context.Context, rec Record) error {
	v.Apply(rec.Event)
	return nil
}

// Apply folds one event into the view.
func (v *StatusView) Apply(ev backend.Event) {
	key := KeyOf(ev)

	v.mu.Lock()
	defer v.mu.Unlock()

	if ev.Kind == backend.EventFreed {
		delete(v.devices, key)
		return
	}

	st, ok := v.devices[key]
	if !ok {
		st = &DeviceStatus{DeviceKey: key, Since: ev.Time}
		v.devices[key] = st
	}
	if ev.Kind == backend.EventAllocated {
		st.Since = ev.Time
		st.Channels = 0
	}
	if ev.Kind == backend.EventChannel {
		st.Channels++
	}
	st.State = ev.To
	st.Frontend = ev.Frontend
	st.Online = ev.Online
	st.Updated = ev.Time
}

// List returns every device sorted by class, domain and device id.
func (v *StatusView) List() []DeviceStatus {
	v.mu.RLock()
	out := make([]DeviceStatus, 0, len(v.devices))
	for _, st := range v.devices {
		out = append(out, *st)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].DeviceKey, out[j].DeviceKey
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		if a.DomID != b.DomID {
			return a.DomID < b.DomID
		}
		return a.DevID < b.DevID
	})
	return out
}

// Get returns one device's status.
func (v *StatusView) Get(key DeviceKey) (DeviceStatus, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	st, ok := v.devices[key]
	if !ok {
		return DeviceStatus{}, false
	}
	return *st, true
}

// Len returns the number of live devices.
func (v *StatusView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.devices)
}
