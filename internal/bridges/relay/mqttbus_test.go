package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu             sync.Mutex
	published      []mockPublish
	subscriptions  []mockSubscription
	unsubscribed   []string
	connected      bool
	handlers       map[string]func(topic string, payload []byte)
	publishError   error
	subscribeError error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishError != nil {
		return m.publishError
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeError != nil {
		return m.subscribeError
	}
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topic)
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockSubscription, len(m.subscriptions))
	copy(out, m.subscriptions)
	return out
}

func (m *MockMQTTClient) GetUnsubscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.unsubscribed))
	copy(out, m.unsubscribed)
	return out
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

func TestMQTTBusStreamSharesSubscription(t *testing.T) {
	client := NewMockMQTTClient()
	bus := NewMQTTBus(client, BusSettings{TopicPrefix: "signalk", QoS: 1}, nil)

	stream := bus.Stream("control.relay.A.1")
	first, unsub1 := collect(stream)
	second, unsub2 := collect(stream)

	subs := client.GetSubscriptions()
	if len(subs) != 1 {
		t.Fatalf("broker subscriptions = %d, want 1", len(subs))
	}
	if subs[0].Topic != "signalk/control/relay/A/1" || subs[0].QoS != 1 {
		t.Errorf("subscription = %+v", subs[0])
	}

	client.SimulateMessage("signalk/control/relay/A/1", []byte("1"))
	if len(*first) != 1 || len(*second) != 1 {
		t.Fatalf("fan-out: first=%v second=%v", *first, *second)
	}
	if (*first)[0] != float64(1) {
		t.Errorf("value = %#v, want float64(1)", (*first)[0])
	}

	unsub1()
	if got := client.GetUnsubscribed(); len(got) != 0 {
		t.Errorf("unsubscribed early: %v", got)
	}
	unsub2()
	unsub2()
	if got := client.GetUnsubscribed(); len(got) != 1 || got[0] != "signalk/control/relay/A/1" {
		t.Errorf("unsubscribed = %v", got)
	}
}

func TestMQTTBusStreamRejectsWildcards(t *testing.T) {
	bus := NewMQTTBus(NewMockMQTTClient(), BusSettings{}, nil)

	for _, path := range []string{"", "control.+", "notifications.#"} {
		if bus.Stream(path) != nil {
			t.Errorf("Stream(%q) should be nil", path)
		}
	}
}

func TestMQTTBusPublish(t *testing.T) {
	client := NewMockMQTTClient()
	bus := NewMQTTBus(client, BusSettings{TopicPrefix: "boat", QoS: 0, PublishPaths: true}, nil)

	d := NewDelta("devantech",
		PathValue{Path: "electrical.switches.A.1.state", Value: 1},
		PathValue{Path: "electrical.switches.A.1.meta", Value: ChannelMeta{Type: MetaType}},
	)
	if err := bus.Publish(d); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	published := client.GetPublished()
	if len(published) != 3 {
		t.Fatalf("published %d messages, want 3", len(published))
	}

	if published[0].Topic != "boat/delta" || published[0].Retained {
		t.Errorf("delta message = %+v", published[0])
	}
	var decoded Delta
	if err := json.Unmarshal(published[0].Payload, &decoded); err != nil {
		t.Fatalf("delta payload: %v", err)
	}
	if decoded.Updates[0].Source.Device != "devantech" || len(decoded.Updates[0].Values) != 2 {
		t.Errorf("decoded delta = %+v", decoded)
	}

	if published[1].Topic != "boat/electrical/switches/A/1/state" || string(published[1].Payload) != "1" || !published[1].Retained {
		t.Errorf("state message = %+v", published[1])
	}
	if published[2].Topic != "boat/electrical/switches/A/1/meta" || string(published[2].Payload) != `{"type":"relay","name":null}` {
		t.Errorf("meta message = %s %s", published[2].Topic, published[2].Payload)
	}
}

func TestMQTTBusPublishDeltaOnly(t *testing.T) {
	client := NewMockMQTTClient()
	bus := NewMQTTBus(client, BusSettings{PublishPaths: false}, nil)

	if err := bus.Publish(NewDelta("d", PathValue{Path: "a.b", Value: 0})); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	published := client.GetPublished()
	if len(published) != 1 || published[0].Topic != "signalk/delta" {
		t.Errorf("published = %+v", published)
	}
}

func TestMQTTBusPublishError(t *testing.T) {
	client := NewMockMQTTClient()
	client.publishError = errors.New("not connected")
	bus := NewMQTTBus(client, BusSettings{}, nil)

	if err := bus.Publish(NewDelta("d")); err == nil {
		t.Error("expected error")
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		payload string
		want    any
	}{
		{"", nil},
		{"  ", nil},
		{"1", float64(1)},
		{"true", true},
		{`"1"`, "1"},
		{"null", nil},
		{"on", "on"},
	}

	for _, tt := range tests {
		if got := DecodePayload([]byte(tt.payload)); got != tt.want {
			t.Errorf("DecodePayload(%q) = %#v, want %#v", tt.payload, got, tt.want)
		}
	}

	obj, ok := DecodePayload([]byte(`{"state":"alarm"}`)).(map[string]any)
	if !ok || obj["state"] != "alarm" {
		t.Errorf("object payload decoded as %#v", obj)
	}
}
