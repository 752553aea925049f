package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/xenbackend/internal/backend"
	"github.com/nerrad567/xenbackend/internal/infrastructure/influxdb"
	"github.com/nerrad567/xenbackend/internal/infrastructure/mqtt"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) PublishRetained(topic string, payload []byte) error {
	p.msgs = append(p.msgs, published{topic, payload, true})
	return p.err
}

func (p *fakePublisher) PublishEvent(topic string, payload []byte) error {
	p.msgs = append(p.msgs, published{topic, payload, false})
	return p.err
}

func (p *fakePublisher) ClearRetained(topic string) error {
	p.msgs = append(p.msgs, published{topic, nil, true})
	return p.err
}

func TestMQTTSink_Transition(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, mqtt.Topics{Root: "xb"})

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{ID: "ev-1", Event: backend.Event{
		Kind: backend.EventTransition, Class: "console", DomID: 3, DevID: 1,
		From: backend.StateInitWait, To: backend.StateConnected,
		Frontend: backend.StateConnected, Online: true, Time: at,
	}}
	if err := sink.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.msgs))
	}

	ev := pub.msgs[0]
	if ev.topic != "xb/event/console/3/1" || ev.retained {
		t.Errorf("event message = %s retained=%v", ev.topic, ev.retained)
	}
	var evBody map[string]any
	if err := json.Unmarshal(ev.payload, &evBody); err != nil {
		t.Fatalf("event payload: %v", err)
	}
	if evBody["id"] != "ev-1" || evBody["to"] != "Connected" || evBody["kind"] != "transition" {
		t.Errorf("event payload = %v", evBody)
	}

	st := pub.msgs[1]
	if st.topic != "xb/state/console/3/1" || !st.retained {
		t.Errorf("state message = %s retained=%v", st.topic, st.retained)
	}
	var stBody statePayload
	if err := json.Unmarshal(st.payload, &stBody); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if stBody.State != backend.StateConnected || !stBody.Online || !stBody.Updated.Equal(at) {
		t.Errorf("state payload = %+v", stBody)
	}
}

func TestMQTTSink_FreedClearsState(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, mqtt.Topics{})

	rec := Record{ID: "ev", Event: backend.Event{Kind: backend.EventFreed, Class: "vkbd", DomID: 2}}
	if err := sink.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.msgs))
	}
	cleared := pub.msgs[1]
	if cleared.topic != "xenbackend/state/vkbd/2/0" || !cleared.retained || len(cleared.payload) != 0 {
		t.Errorf("clear message = %+v", cleared)
	}
}

func TestMQTTSink_SkipsChannelEvents(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, mqtt.Topics{})

	if err := sink.Handle(context.Background(), Record{Event: backend.Event{Kind: backend.EventChannel, Class: "console"}}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(pub.msgs) != 0 {
		t.Errorf("published %d messages, want 0", len(pub.msgs))
	}
}

func TestMQTTSink_PublishError(t *testing.T) {
	pub := &fakePublisher{err: mqtt.ErrNotConnected}
	sink := NewMQTTSink(pub, mqtt.Topics{})

	err := sink.Handle(context.Background(), Record{Event: backend.Event{Kind: backend.EventAllocated, Class: "console"}})
	if !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Handle() error = %v, want ErrNotConnected", err)
	}
}

type point struct {
	measurement string
	tags        influxdb.DeviceTags
	fields      map[string]any
}

type fakePointWriter struct {
	points []point
}

func (w *fakePointWriter) WriteDevicePoint(measurement string, dev influxdb.DeviceTags, fields map[string]any, _ time.Time) {
	w.points = append(w.points, point{measurement, dev, fields})
}

func TestMetricsSink(t *testing.T) {
	w := &fakePointWriter{}
	sink := NewMetricsSink(w)
	ctx := context.Background()

	events := []backend.Event{
		{Kind: backend.EventAllocated, Class: "console", DomID: 1, To: backend.StateInitWait},
		{Kind: backend.EventTransition, Class: "console", DomID: 1, From: backend.StateInitWait, To: backend.StateConnected},
		{Kind: backend.EventChannel, Class: "console", DomID: 1},
	}
	for _, ev := range events {
		if err := sink.Handle(ctx, Record{Event: ev}); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}

	if len(w.points) != 3 {
		t.Fatalf("wrote %d points, want 3", len(w.points))
	}
	if p := w.points[0]; p.measurement != MeasurementLifecycle || p.fields["kind"] != "allocated" {
		t.Errorf("point 0 = %+v", p)
	}
	if p := w.points[1]; p.measurement != MeasurementTransition || p.fields["to"] != "Connected" || p.fields["from"] != "InitWait" {
		t.Errorf("point 1 = %+v", p)
	}
	if p := w.points[2]; p.measurement != MeasurementChannel || p.fields["count"] != 1 {
		t.Errorf("point 2 = %+v", p)
	}
	if w.points[0].tags != (influxdb.DeviceTags{Class: "console", DomID: 1}) {
		t.Errorf("tags = %+v", w.points[0].tags)
	}
}

func TestStatusView(t *testing.T) {
	view := NewStatusView()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	handle := func(ev backend.Event) {
		t.Helper()
		if err := view.Handle(ctx, Record{Event: ev}); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}

	handle(backend.Event{Kind: backend.EventAllocated, Class: "vkbd", DomID: 2, To: backend.StateInitWait, Time: t0})
	handle(backend.Event{Kind: backend.EventAllocated, Class: "console", DomID: 5, DevID: 1, To: backend.StateInitWait, Time: t0})
	handle(backend.Event{Kind: backend.EventAllocated, Class: "console", DomID: 5, To: backend.StateInitWait, Time: t0})
	handle(backend.Event{Kind: backend.EventTransition, Class: "console", DomID: 5,
		From: backend.StateInitWait, To: backend.StateConnected, Frontend: backend.StateConnected, Online: true,
		Time: t0.Add(time.Second)})
	handle(backend.Event{Kind: backend.EventChannel, Class: "console", DomID: 5, To: backend.StateConnected,
		Frontend: backend.StateConnected, Online: true, Time: t0.Add(2 * time.Second)})

	list := view.List()
	if len(list) != 3 {
		t.Fatalf("List() length = %d, want 3", len(list))
	}
	wantOrder := []DeviceKey{
		{Class: "console", DomID: 5, DevID: 0},
		{Class: "console", DomID: 5, DevID: 1},
		{Class: "vkbd", DomID: 2, DevID: 0},
	}
	for i, want := range wantOrder {
		if list[i].DeviceKey != want {
			t.Errorf("List()[%d] = %v, want %v", i, list[i].DeviceKey, want)
		}
	}

	st, ok := view.Get(DeviceKey{Class: "console", DomID: 5})
	if !ok {
		t.Fatal("Get() found nothing")
	}
	if st.State != backend.StateConnected || !st.Online || st.Channels != 1 {
		t.Errorf("status = %+v", st)
	}
	if !st.Since.Equal(t0) || !st.Updated.Equal(t0.Add(2*time.Second)) {
		t.Errorf("Since/Updated = %v/%v", st.Since, st.Updated)
	}

	handle(backend.Event{Kind: backend.EventFreed, Class: "console", DomID: 5, To: backend.StateClosed})
	if _, ok := view.Get(DeviceKey{Class: "console", DomID: 5}); ok {
		t.Error("freed device still present")
	}
	if view.Len() != 2 {
		t.Errorf("Len() = %d, want 2", view.Len())
	}
}

func TestStatusView_JSON(t *testing.T) {
	st := DeviceStatus{DeviceKey: DeviceKey{Class: "console", DomID: 1}, State: backend.StateConnected}
	body, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if m["class"] != "console" || m["state"] != "Connected" {
		t.Errorf("json = %s", body)
	}
}
