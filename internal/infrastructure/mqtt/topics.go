package mqtt

import (
	"strconv"
	"strings"
)

// DefaultTopicRoot is the first level of every topic the daemon publishes.
const DefaultTopicRoot = "xenbackend"

// Topics builds the daemon's topic names under one root.
//
// Device topics are keyed by class, frontend domain and device id:
//
//	topics := mqtt.Topics{}
//	topics.DeviceState("console", 3, 0)
//	// Returns: "xenbackend/state/console/3/0"
type Topics struct {
	// Root replaces DefaultTopicRoot when set.
	Root string
}

func (t Topics) root() string {
	if t.Root == "" {
		return DefaultTopicRoot
	}
	return t.Root
}

func (t Topics) device(category, class string, domid, devid int) string {
	return strings.Join([]string{
		t.root(), category, class, strconv.Itoa(domid), strconv.Itoa(devid),
	}, "/")
}

// DeviceState returns the retained state topic for one device.
func (t Topics) DeviceState(class string, domid, devid int) string {
	return t.device("state", class, domid, devid)
}

// DeviceEvent returns the lifecycle event topic for one device.
func (t Topics) DeviceEvent(class string, domid, devid int) string {
	return t.device("event", class, domid, devid)
}

// Status returns the daemon's retained online/offline topic. The broker
// publishes the last will here when the daemon dies.
func (t Topics) Status() string {
	return t.root() + "/system/status"
}

// AllDeviceStates returns a subscription filter matching every state topic.
func (t Topics) AllDeviceStates() string {
	return t.root() + "/state/#"
}

// AllDeviceEvents returns a subscription filter matching every event topic.
func (t Topics) AllDeviceEvents() string {
	return t.root() + "/event/#"
}
