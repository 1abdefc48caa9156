// Package mqtt provides MQTT client connectivity for the relay bridge
// service.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after every reconnect
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The broker is the switch bus. Relay channels read their trigger paths
// from subscriptions and report state as delta messages and retained
// per-path values.
//
//	Bus clients ↔ MQTT Broker ↔ relaybridge ↔ Devantech modules
//
// The relay package never imports this package directly. cmd/relaybridge
// adapts *Client to the relay package's bus interface.
//
// # Security Considerations
//
//   - Use TLS when the broker is not on the same host (cfg.Broker.TLS=true)
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("signalk/control/relay/A/1", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("%s = %s", topic, payload)
//	        return nil
//	    })
//
//	client.Publish("signalk/delta", delta, 1, false)
package mqtt
