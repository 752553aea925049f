//go:build integration

package mqtt

import (
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func connectTest(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	c, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // Test cleanup
	return c
}

// subscribe opens a raw paho client to observe what the daemon publishes.
func subscribe(t *testing.T, filter string) <-chan pahomqtt.Message {
	t.Helper()
	opts := pahomqtt.NewClientOptions().AddBroker("tcp://127.0.0.1:1883").SetClientID("xenbackd-test-observer")
	obs := pahomqtt.NewClient(opts)
	if tok := obs.Connect(); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("observer connect: %v", tok.Error())
	}
	t.Cleanup(func() { obs.Disconnect(100) })

	msgs := make(chan pahomqtt.Message, 16)
	if tok := obs.Subscribe(filter, 1, func(_ pahomqtt.Client, m pahomqtt.Message) { msgs <- m }); !tok.WaitTimeout(5 * time.Second) {
		t.Fatal("observer subscribe timed out")
	}
	return msgs
}

func TestIntegration_ConnectAndClose(t *testing.T) {
	c := connectTest(t, "xenbackd-int-connect")
	if !c.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999
	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_RetainedStateAndClear(t *testing.T) {
	c := connectTest(t, "xenbackd-int-retained")
	topic := c.Topics().DeviceState("console", 901, 0)

	if err := c.PublishRetained(topic, []byte(`{"state":"Connected"}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}

	msgs := subscribe(t, topic)
	select {
	case m := <-msgs:
		if !m.Retained() || string(m.Payload()) != `{"state":"Connected"}` {
			t.Errorf("got retained=%v payload=%s", m.Retained(), m.Payload())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retained state not delivered")
	}

	if err := c.ClearRetained(topic); err != nil {
		t.Fatalf("ClearRetained() error = %v", err)
	}
}
