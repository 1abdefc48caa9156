package mqtt

// DefaultTopicPrefix is the topic root used when none is configured.
const DefaultTopicPrefix = "signalk"

// Topics builds the service-level topics under a prefix.
//
// Bus paths and bridge health topics are built by the relay package; this
// type only covers topics owned by the MQTT client itself.
//
//	topics := mqtt.Topics{Prefix: "signalk"}
//	topics.SystemStatus() // "signalk/system/status"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// SystemStatus returns the topic for the service's online/offline status.
// The LWT is published here.
//
// Example: signalk/system/status
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}
