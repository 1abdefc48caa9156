package relay

import (
	"strings"
	"time"
)

// DefaultTopicPrefix is the MQTT topic root of the switch namespace.
const DefaultTopicPrefix = "signalk"

// PathTopic maps a bus path to its MQTT topic.
// Example: electrical.switches.A.1.state → signalk/electrical/switches/A/1/state
func PathTopic(prefix, path string) string {
	return prefix + "/" + strings.ReplaceAll(path, ".", "/")
}

// DeltaTopic returns the topic carrying whole deltas.
// Example: signalk/delta
func DeltaTopic(prefix string) string {
	return prefix + "/delta"
}

// HealthTopic returns the topic for the bridge's health status.
// Example: signalk/health/devantech
func HealthTopic(prefix, bridgeID string) string {
	return prefix + "/health/" + bridgeID
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates every module link is up.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bus or at least one module link is down.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: <prefix>/health/<bridge id>
// QoS: 1, Retained: Yes
type HealthMessage struct {
	// Bridge is the bridge identifier (e.g., "devantech").
	Bridge string `json:"bridge"`

	// RunID identifies this bridge activation.
	RunID string `json:"run_id"`

	// Timestamp is when the health status was generated (UTC).
	Timestamp time.Time `json:"timestamp"`

	Status  HealthStatus `json:"status"`
	Version string       `json:"version"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// ModulesOperating counts modules that have a transport.
	ModulesOperating int `json:"modules_operating"`

	// ModulesConnected counts modules whose link is currently open.
	ModulesConnected int `json:"modules_connected"`

	Modules []ModuleStatus `json:"modules,omitempty"`

	// Reason explains the status (especially for degraded).
	Reason string `json:"reason,omitempty"`
}

// ModuleStatus describes one module's link.
type ModuleStatus struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Scheme      string `json:"scheme"`
	Address     string `json:"address,omitempty"`

	// Operating is false for modules accepted without a transport.
	Operating bool `json:"operating"`
	Connected bool `json:"connected"`

	ConnectedSince *time.Time `json:"connected_since,omitempty"`

	Channels   int    `json:"channels"`
	FramesRx   uint64 `json:"frames_rx"`
	CommandsTx uint64 `json:"commands_tx"`
	Failures   uint64 `json:"failures"`
	Errors     uint64 `json:"errors"`
}
