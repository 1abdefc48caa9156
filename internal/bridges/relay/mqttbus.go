package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes the subscription for a topic.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Ensure MQTTBus implements both sides of the bus.
var (
	_ StreamSource = (*MQTTBus)(nil)
	_ DeltaSink    = (*MQTTBus)(nil)
)

// MQTTBus carries the switch namespace over MQTT.
//
// A bus path maps to a topic by replacing dots with slashes under the
// configured prefix, so notifications.engine.overheat is read from
// <prefix>/notifications/engine/overheat. Deltas are published whole on
// <prefix>/delta and, when PublishPaths is set, value by value as retained
// messages on their own path topics.
//
// Thread Safety: All methods are safe for concurrent use.
type MQTTBus struct {
	client MQTTClient
	cfg    BusSettings

	mu        sync.Mutex
	listeners map[string]map[uint64]func(any)
	nextID    uint64

	logger Logger
}

// NewMQTTBus creates a bus over client.
func NewMQTTBus(client MQTTClient, cfg BusSettings, logger Logger) *MQTTBus {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	return &MQTTBus{
		client:    client,
		cfg:       cfg,
		listeners: make(map[string]map[uint64]func(any)),
		logger:    logWith(logger),
	}
}

// Stream implements StreamSource. Paths that are empty or contain MQTT
// wildcard characters have no stream.
func (b *MQTTBus) Stream(path string) Stream {
	if path == "" || strings.ContainsAny(path, "+#") {
		return nil
	}
	topic := PathTopic(b.cfg.TopicPrefix, path)
	return StreamFunc(func(fn func(any)) func() {
		return b.listen(topic, fn)
	})
}

// Publish implements DeltaSink.
func (b *MQTTBus) Publish(d Delta) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshalling delta: %w", err)
	}
	if err := b.client.Publish(DeltaTopic(b.cfg.TopicPrefix), payload, b.qos(), false); err != nil {
		return fmt.Errorf("publishing delta: %w", err)
	}

	if !b.cfg.PublishPaths {
		return nil
	}
	for _, v := range d.Values() {
		value, err := json.Marshal(v.Value)
		if err != nil {
			return fmt.Errorf("marshalling %s: %w", v.Path, err)
		}
		if err := b.client.Publish(PathTopic(b.cfg.TopicPrefix, v.Path), value, b.qos(), true); err != nil {
			return fmt.Errorf("publishing %s: %w", v.Path, err)
		}
	}
	return nil
}

// listen adds fn to the listeners of topic, subscribing on the broker for
// the first one. The returned function removes it again and unsubscribes
// after the last.
func (b *MQTTBus) listen(topic string, fn func(any)) func() {
	b.mu.Lock()
	set, exists := b.listeners[topic]
	if !exists {
		set = make(map[uint64]func(any))
		b.listeners[topic] = set
	}
	b.nextID++
	id := b.nextID
	set[id] = fn
	b.mu.Unlock()

	if !exists {
		if err := b.client.Subscribe(topic, b.qos(), b.handleMessage); err != nil {
			b.logger.Error("bus subscribe failed", "topic", topic, "error", err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.unlisten(topic, id) })
	}
}

func (b *MQTTBus) unlisten(topic string, id uint64) {
	b.mu.Lock()
	set := b.listeners[topic]
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(b.listeners, topic)
	}
	b.mu.Unlock()

	if last {
		if err := b.client.Unsubscribe(topic); err != nil {
			b.logger.Warn("bus unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

// handleMessage decodes a payload and fans it out to the topic's listeners.
func (b *MQTTBus) handleMessage(topic string, payload []byte) {
	value := DecodePayload(payload)

	b.mu.Lock()
	set := b.listeners[topic]
	fns := make([]func(any), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

func (b *MQTTBus) qos() byte {
	if b.cfg.QoS < 0 || b.cfg.QoS > 2 {
		return 1
	}
	return byte(b.cfg.QoS)
}

// DecodePayload turns an MQTT payload into a bus value: JSON when it parses,
// the raw text otherwise, nil when empty.
func DecodePayload(payload []byte) any {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}
