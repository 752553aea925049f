// Package influxdb writes device lifecycle metrics to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library: connection with a
// startup ping, batched non-blocking writes, and async error reporting.
//
// # Measurements
//
// Points are tagged with class, domid and devid (see DeviceTags). The
// lifecycle recorder writes device_transition, channel_event and
// device_lifecycle points.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without metrics
//	}
//	defer client.Close()
//
//	client.SetOnError(func(err error) {
//	    logger.Warn("metrics write failed", "error", err)
//	})
package influxdb
