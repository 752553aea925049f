package backend

import "time"

// EventKind classifies lifecycle events reported to an Observer.
type EventKind string

// Lifecycle event kinds.
const (
	// EventAllocated: a device slot was populated.
	EventAllocated EventKind = "allocated"

	// EventTransition: the local state changed (From -> To).
	EventTransition EventKind = "transition"

	// EventFrontendChanged: the frontend state was re-read.
	EventFrontendChanged EventKind = "frontend_changed"

	// EventFreed: a device slot was torn down.
	EventFreed EventKind = "freed"

	// EventChannel: an event channel notification was delivered.
	EventChannel EventKind = "channel"
)

// Event describes one lifecycle change of one device.
type Event struct {
	Kind     EventKind `json:"kind"`
	Class    string    `json:"class"`
	DomID    int       `json:"domid"`
	DevID    int       `json:"devid"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Frontend State     `json:"frontend"`
	Online   bool      `json:"online"`
	Time     time.Time `json:"time"`
}

// Observer receives lifecycle events.
//
// Observe is called synchronously on the owner's goroutine and must not
// block. Implementations that do I/O should queue the event and return.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) {
	f(ev)
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
