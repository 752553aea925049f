// Package hypervisor wraps the Xen control devices a backend needs: event
// channels, foreign page mapping and grant mapping.
//
// The Linux implementation drives /dev/xen/evtchn, /dev/xen/privcmd and
// /dev/xen/gntdev directly with ioctl(2) and mmap(2) through
// golang.org/x/sys/unix. Other platforms get a stub whose Open returns
// ErrUnsupported.
//
// Fake provides the same interfaces in memory so the backend core can be
// tested without a hypervisor.
//
// Usage:
//
//	ctl, err := hypervisor.Open(hypervisor.DefaultPaths())
//	if err != nil {
//	    return err
//	}
//	defer ctl.Close()
//
//	ch, err := ctl.OpenEventChannel()
//	port, err := ch.BindInterdomain(domid, remotePort)
package hypervisor
