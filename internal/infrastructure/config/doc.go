// Package config handles loading and validating the relay bridge service
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (RELAYBRIDGE_*)
//   - Validation of required fields, reporting every problem at once
//   - Default value handling
//
// The relay modules themselves live in a separate file named by
// relay.config_file and are loaded by the relay bridge package.
//
// Security Considerations:
//   - Broker passwords and InfluxDB tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
