// Package relay implements the Devantech relay module bridge.
//
// The bridge maps a logical switch namespace onto relay hardware. Each
// configured module owns one physical link, either a TCP socket speaking
// ASCII command tokens or a USB serial port reporting channel states as a
// single status byte. Each channel of a module appears on the bus as
// electrical.switches.<module>.<channel>.
//
// # Architecture
//
//	┌─────────────┐   streams    ┌──────────────┐   tcp / usb   ┌──────────────┐
//	│  MQTT bus   │─────────────►│    Bridge    │──────────────►│ relay module │
//	│ (MQTTBus)   │◄─────────────│ (dispatcher) │◄──────────────│              │
//	└─────────────┘    deltas    └──────────────┘  status bytes └──────────────┘
//
// Configuration passes through ValidateOptions (bad modules and channels are
// dropped, never fatal), then NewRegistry, which derives channel keys and
// resolves each connection string into an Endpoint. Start publishes channel
// metadata once, opens one Transport per module and subscribes one Stream
// per channel. From then on a single dispatcher goroutine handles every
// event: stream values become relay writes plus a state delta, and inbound
// device data is decoded into per-channel state deltas.
//
// # Serial status decoding
//
// Channel N of a USB module reports in bit N of the status byte, counting
// channels in the order they are configured. Reordering channels in the
// configuration changes which bit each one reads. A status byte of zero is
// treated as "no report" and produces no delta, so an all-off module cannot
// be told apart from silence.
//
// # Connection lifecycle
//
// Disconnected → Connected → Disconnected. There is no reconnect: a closed
// link stays closed until the bridge is stopped and a new one is started.
// Writes to a disconnected module are skipped, but the state delta is still
// published.
package relay
