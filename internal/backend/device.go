package backend

import (
	"github.com/nerrad567/xenbackend/internal/hypervisor"
	"github.com/nerrad567/xenbackend/internal/xenstore"
)

// unboundPort marks a device without a bound local port.
const unboundPort = -1

// device is one slot of a backend's device table.
//
// Invariants:
//   - fe != "" exactly when a watch on fe with token is registered.
//   - port is unboundPort or the single port bound on channel.
type device struct {
	backend *Backend
	id      int
	dev     Device

	state   State
	feState State
	online  bool

	be       string
	fe       string
	protocol string

	channel hypervisor.EventChannel
	port    int

	token string
	gen   uint64
}

// bePath returns a node below the backend path.
func (d *device) bePath(node string) string {
	return xenstore.Join(d.be, node)
}

// fePath returns a node below the frontend path.
func (d *device) fePath(node string) string {
	return xenstore.Join(d.fe, node)
}

// DeviceInfo is a point-in-time view of one device for inspection.
type DeviceInfo struct {
	Class         string `json:"class"`
	DomID         int    `json:"domid"`
	DevID         int    `json:"devid"`
	State         State  `json:"state"`
	FrontendState State  `json:"frontend_state"`
	Online        bool   `json:"online"`
	BackendPath   string `json:"backend_path"`
	FrontendPath  string `json:"frontend_path,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
	Port          int    `json:"port"`
}

// Bound reports whether the device has a bound event channel port.
func (i DeviceInfo) Bound() bool {
	return i.Port != unboundPort
}

func (d *device) info() DeviceInfo {
	return DeviceInfo{
		Class:         d.backend.class,
		DomID:         d.backend.domid,
		DevID:         d.id,
		State:         d.state,
		FrontendState: d.feState,
		Online:        d.online,
		BackendPath:   d.be,
		FrontendPath:  d.fe,
		Protocol:      d.protocol,
		Port:          d.port,
	}
}
