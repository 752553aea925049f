// Package backend is the host side of the Xen paravirtual device protocol.
//
// A caller registers one device class for one guest domain. The package
// watches the class's backend directory in xenstore, allocates a Device for
// every device id that appears there, and drives each one through the xenbus
// connection handshake with its frontend in the guest. Once a device is
// connected the caller binds its event channel and maps its shared page
// through the resource helpers on Backend.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                               Context                                │
//	│                                                                      │
//	│  watch fd ──▶ DispatchWatchEvent ──▶ token registry (token.go)       │
//	│                                         │                            │
//	│                       ┌─────────────────┴──────────────┐             │
//	│                       ▼                                ▼             │
//	│              Backend (backend.go)              device (device.go)    │
//	│              • device table [16]               • frontend changed    │
//	│              • discovery scan (scan.go)        • state machine       │
//	│                                                  (statemachine.go)   │
//	│                                                                      │
//	│  channel fd ──▶ DispatchChannelEvent ──▶ Device.Event (channel.go)   │
//	└──────────────────────────────────────────────────────────────────────┘
//
// # Threading Model
//
// The core is single-threaded. Every exported method of Context and Backend
// must be called from the goroutine that owns the event loop; nothing here
// blocks except the store and hypervisor calls themselves. Class callbacks
// run inline on that goroutine and must not block.
//
// Two store handles are used: a Store for reads and writes and a Watcher
// that delivers watch events. A pending watch read can therefore never
// stall an ordinary request.
//
// # Usage
//
//	ctx, err := backend.Open(backend.Config{DomID: 0, Logger: log})
//	if err != nil {
//	    return err
//	}
//	defer ctx.Shutdown()
//
//	b, err := ctx.Register("console", guestID, consoleClass, nil)
//	if err != nil {
//	    return err
//	}
//
//	loop.Add(ctx.WatchFd(), func() { ctx.DispatchWatchEvent() })
package backend
