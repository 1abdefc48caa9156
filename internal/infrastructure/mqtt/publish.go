package mqtt

import (
	"fmt"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize caps outbound payloads at 1MB, the common broker limit.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker to acknowledge it
// (QoS 1 and 2) or for the message to leave the client (QoS 0).
//
// Path values and health messages are published retained so late
// subscribers see the current state; deltas are not.
//
//	err := client.Publish("signalk/electrical/switches/A/1/state", []byte("1"), 1, true)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos, false); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	return await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

// checkTopic validates a topic and QoS. Wildcards are only allowed when
// subscribing.
func checkTopic(topic string, qos byte, wildcards bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !wildcards && strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcard in %q", ErrInvalidTopic, topic)
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// await waits for token and wraps a timeout or broker error in sentinel.
func await(token pahomqtt.Token, sentinel error) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", sentinel, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}
