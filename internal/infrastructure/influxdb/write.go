package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// DeviceTags identifies one backend device. Every device measurement is
// tagged with these three values.
type DeviceTags struct {
	Class string
	DomID int
	DevID int
}

// Map returns the tags in the form the write API expects.
func (d DeviceTags) Map() map[string]string {
	return map[string]string{
		"class": d.Class,
		"domid": strconv.Itoa(d.DomID),
		"devid": strconv.Itoa(d.DevID),
	}
}

// WriteDevicePoint writes one point for a device at the given time.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - measurement: e.g. "device_transition"
//   - dev: Device identity, written as tags
//   - fields: Field values; must not be empty
//   - ts: Event time
//
// Example:
//
//	client.WriteDevicePoint("device_transition",
//	    influxdb.DeviceTags{Class: "console", DomID: 3},
//	    map[string]any{"from": "InitWait", "to": "Connected"}, ev.Time)
func (c *Client) WriteDevicePoint(measurement string, dev DeviceTags, fields map[string]any, ts time.Time) {
	c.WritePointWithTime(measurement, dev.Map(), fields, ts)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
