// Package console is a backend class for the Xen paravirtual console.
//
// Each connected device binds its event channel, maps the shared
// xencons_interface page advertised by the guest and registers the channel
// descriptor with the owner's event loop. When the guest notifies, the out
// ring is drained and every complete line is written to the configured
// output and logged with the guest's domain id.
//
// Only the guest-to-host direction is served; the in ring is left alone.
package console
