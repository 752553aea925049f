package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nerrad567/xenbackend/internal/infrastructure/config"
)

// testConfig returns a configuration pointing at a local broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:   true,
		TopicRoot: "xenbackend-test",
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "xenbackd-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state", Topics{}.DeviceState("console", 3, 0), "xenbackend/state/console/3/0"},
		{"event", Topics{}.DeviceEvent("vkbd", 12, 1), "xenbackend/event/vkbd/12/1"},
		{"status", Topics{}.Status(), "xenbackend/system/status"},
		{"all states", Topics{}.AllDeviceStates(), "xenbackend/state/#"},
		{"all events", Topics{}.AllDeviceEvents(), "xenbackend/event/#"},
		{"custom root", Topics{Root: "site/xen"}.DeviceState("console", 1, 0), "site/xen/state/console/1/0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "backend"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "xenbackd-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "backend" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Errorf("TLSConfig = %+v, want TLS 1.2 minimum", opts.TLSConfig)
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("expected auto-reconnect with a clean session")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, Topics{Root: "xb"}, "xenbackd-test")

	if !opts.WillEnabled || !opts.WillRetained || opts.WillTopic != "xb/system/status" {
		t.Errorf("will = enabled:%v retained:%v topic:%q", opts.WillEnabled, opts.WillRetained, opts.WillTopic)
	}

	var p statusPayload
	if err := json.Unmarshal(opts.WillPayload, &p); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if p.Status != "offline" || p.Reason != reasonUnexpected || p.ClientID != "xenbackd-test" {
		t.Errorf("will payload = %+v", p)
	}
}

func TestPublish_Validation(t *testing.T) {
	c := &Client{cfg: testConfig()}

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		want    error
	}{
		{name: "empty topic", topic: "", qos: 1, want: ErrInvalidTopic},
		{name: "wildcard topic", topic: "xenbackend/state/#", qos: 1, want: ErrInvalidTopic},
		{name: "bad qos", topic: "a/b", qos: 3, want: ErrInvalidQoS},
		{name: "too large", topic: "a/b", qos: 1, payload: make([]byte, maxPayloadSize+1), want: ErrPublishFailed},
		{name: "disconnected", topic: "a/b", qos: 1, want: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := c.ClearRetained("a/b"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ClearRetained() error = %v, want ErrNotConnected", err)
	}
}

func TestUnconnectedClient(t *testing.T) {
	c := &Client{}

	if c.IsConnected() {
		t.Error("IsConnected() = true for uninitialised client")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestBuildStatusPayload(t *testing.T) {
	got := buildStatusPayload("online", "xenbackd", "")
	if strings.Contains(got, "reason") {
		t.Errorf("online payload %s carries a reason", got)
	}
	var p statusPayload
	if err := json.Unmarshal([]byte(got), &p); err != nil || p.Status != "online" || p.Timestamp == "" {
		t.Errorf("payload = %s (%v)", got, err)
	}
}
