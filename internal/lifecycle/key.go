package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/xenbackend/internal/backend"
)

// DeviceKey identifies one device across restarts: its class, frontend
// domain and device id.
type DeviceKey struct {
	Class string `json:"class"`
	DomID int    `json:"domid"`
	DevID int    `json:"devid"`
}

// KeyOf returns the key of the device an event is about.
func KeyOf(ev backend.Event) DeviceKey {
	return DeviceKey{Class: ev.Class, DomID: ev.DomID, DevID: ev.DevID}
}

// String renders the key as "class/domid/devid".
func (k DeviceKey) String() string {
	return k.Class + "/" + strconv.Itoa(k.DomID) + "/" + strconv.Itoa(k.DevID)
}

// ParseDeviceKey is the inverse of DeviceKey.String.
func ParseDeviceKey(s string) (DeviceKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return DeviceKey{}, fmt.Errorf("%w: %q", ErrInvalidDeviceKey, s)
	}
	return NewDeviceKey(parts[0], parts[1], parts[2])
}

// NewDeviceKey builds a key from its three textual parts, as they appear
// in URLs and topics.
func NewDeviceKey(class, domid, devid string) (DeviceKey, error) {
	if class == "" {
		return DeviceKey{}, fmt.Errorf("%w: empty class", ErrInvalidDeviceKey)
	}
	dom, err := strconv.Atoi(domid)
	if err != nil || dom < 0 {
		return DeviceKey{}, fmt.Errorf("%w: domid %q", ErrInvalidDeviceKey, domid)
	}
	dev, err := strconv.Atoi(devid)
	if err != nil || dev < 0 || dev >= backend.MaxDevices {
		return DeviceKey{}, fmt.Errorf("%w: devid %q", ErrInvalidDeviceKey, devid)
	}
	return DeviceKey{Class: class, DomID: dom, DevID: dev}, nil
}
