package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/xenbackend/internal/backend"
	"github.com/nerrad567/xenbackend/internal/infrastructure/mqtt"
)

// Publisher is the subset of *mqtt.Client the MQTT sink needs.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
	PublishEvent(topic string, payload []byte) error
	ClearRetained(topic string) error
}

// statePayload is the retained message on a device's state topic.
type statePayload struct {
	Class    string        `json:"class"`
	DomID    int           `json:"domid"`
	DevID    int           `json:"devid"`
	State    backend.State `json:"state"`
	Frontend backend.State `json:"frontend"`
	Online   bool          `json:"online"`
	Updated  time.Time     `json:"updated"`
}

// MQTTSink mirrors device lifecycles onto the broker.
//
// Every record except channel notifications is published to the device's
// event topic. The device's retained state topic carries its latest state
// and is cleared when the device is freed, so the broker never reports
// devices that no longer exist.
type MQTTSink struct {
	pub    Publisher
	topics mqtt.Topics
}

// NewMQTTSink creates a sink publishing under topics.
//
// Parameters:
//   - pub: Connected MQTT client (or a fake in tests)
//   - topics: Topic builder, normally pub's own Topics()
//
// Returns:
//   - *MQTTSink: Sink ready to register with a Recorder
func NewMQTTSink(pub Publisher, topics mqtt.Topics) *MQTTSink {
	return &MQTTSink{pub: pub, topics: topics}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Handle implements Sink.
func (s *MQTTSink) Handle(_ context.Context, rec Record) error {
	if rec.Kind == backend.EventChannel {
		return nil
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := s.pub.PublishEvent(s.topics.DeviceEvent(rec.Class, rec.DomID, rec.DevID), body); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	stateTopic := s.topics.DeviceState(rec.Class, rec.DomID, rec.DevID)
	if rec.Kind == backend.EventFreed {
		if err := s.pub.ClearRetained(stateTopic); err != nil {
			return fmt.Errorf("clearing state: %w", err)
		}
		return nil
	}

	state, err := json.Marshal(statePayload{
		Class:    rec.Class,
		DomID:    rec.DomID,
		DevID:    rec.DevID,
		State:    rec.To,
		Frontend: rec.Frontend,
		Online:   rec.Online,
		Updated:  rec.Time.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := s.pub.PublishRetained(stateTopic, state); err != nil {
		return fmt.Errorf("publishing state: %w", err)
	}
	return nil
}
