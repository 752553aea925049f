// Package mqtt publishes device lifecycle telemetry to an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Retained per-device state and non-retained lifecycle events
//   - A retained daemon status, with a last will for crash detection
//
// # Topics
//
//	xenbackend/state/{class}/{domid}/{devid}   retained, cleared when freed
//	xenbackend/event/{class}/{domid}/{devid}   one message per event
//	xenbackend/system/status                   online/offline, retained
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topic := client.Topics().DeviceState("console", 3, 0)
//	client.PublishRetained(topic, []byte(`{"state":"Connected"}`))
//
// Broker-backed tests sit behind the integration build tag.
package mqtt
