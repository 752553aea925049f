// Package xenstore provides access to the hierarchical configuration store
// shared between the control domain and its guests.
//
// The package defines two narrow interfaces that the backend framework
// consumes:
//
//   - Store: synchronous get/set/list on absolute paths
//   - Watcher: watch subscriptions and delivery of watch events
//
// and two implementations of them:
//
//   - Client: the xenstored wire protocol over a unix socket or the
//     /dev/xen/xenbus character device
//   - MemStore: an in-memory tree with xenstore watch semantics, used by
//     tests and simulations
//
// # Two Connections
//
// Watch events are delivered on the connection that registered the watch.
// Callers that both watch and read should open two clients, one for ordinary
// requests and one dedicated to watches, so a caller draining watch events
// never competes with request/response traffic:
//
//	store, err := xenstore.Dial(xenstore.DefaultSocketPath)
//	watcher, err := xenstore.Dial(xenstore.DefaultSocketPath)
//
// # Readiness
//
// Watcher.Fd returns a descriptor that becomes readable whenever at least one
// watch event is queued. An owning event loop polls it and calls ReadWatch.
package xenstore
