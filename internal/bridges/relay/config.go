package relay

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultBridgeID is the device identity the bridge publishes deltas under.
const DefaultBridgeID = "devantech"

// Config is the root configuration for the relay bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge BridgeConfig   `yaml:"bridge"`
	Serial SerialSettings `yaml:"serial"`
	Bus    BusSettings    `yaml:"bus"`

	// Options holds defaulttriggerpath and modules at the top level of the
	// file.
	Options `yaml:",inline"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID is the source device of every delta and names the health topic.
	// Default: "devantech".
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`
}

// SerialSettings contains settings shared by all USB modules.
type SerialSettings struct {
	// BaudRate is the port speed. Default: 9600.
	BaudRate int `yaml:"baud_rate"`
}

// BusSettings controls how the switch namespace maps onto MQTT.
type BusSettings struct {
	// TopicPrefix is the topic root for bus paths. Default: "signalk".
	TopicPrefix string `yaml:"topic_prefix"`

	// QoS for bus subscriptions and publications. Default: 1.
	QoS int `yaml:"qos"`

	// PublishPaths also publishes each delta value, retained, on its path
	// topic. Default: true.
	PublishPaths bool `yaml:"publish_paths"`
}

// LoadConfig reads configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: RELAY_BRIDGE_SECTION_KEY
// For example: RELAY_BRIDGE_ID, RELAY_BRIDGE_BUS_TOPIC_PREFIX
//
// Module and channel entries are not checked here; ValidateOptions drops
// bad entries when the bridge is built.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             DefaultBridgeID,
			HealthInterval: 30,
		},
		Serial: SerialSettings{
			BaudRate: DefaultBaudRate,
		},
		Bus: BusSettings{
			TopicPrefix:  DefaultTopicPrefix,
			QoS:          1,
			PublishPaths: true,
		},
		Options: Options{
			DefaultTriggerPath: "control.relay",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("RELAY_BRIDGE_BUS_TOPIC_PREFIX"); v != "" {
		cfg.Bus.TopicPrefix = v
	}
	if v := os.Getenv("RELAY_BRIDGE_SERIAL_BAUD_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("RELAY_BRIDGE_DEFAULT_TRIGGER_PATH"); v != "" {
		cfg.DefaultTriggerPath = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Bridge.ID) == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	if c.Serial.BaudRate < 1 {
		errs = append(errs, "serial.baud_rate must be positive")
	}
	if c.Bus.TopicPrefix == "" || strings.ContainsAny(c.Bus.TopicPrefix, "+#") {
		errs = append(errs, "bus.topic_prefix must be a non-empty topic without wildcards")
	}
	if c.Bus.QoS < 0 || c.Bus.QoS > 2 {
		errs = append(errs, "bus.qos must be 0, 1, or 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}
