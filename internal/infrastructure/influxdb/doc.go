// Package influxdb provides InfluxDB connectivity for switch telemetry.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, non-blocking batched writes and health checks.
//
// # Measurements
//
//	switch_state,switch=<key>,origin=<bus|device> state=<0|1>
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteSwitchState("A.1", 1, "bus")
//
// # Error Handling
//
// Writes never block and never return errors. Batch failures are delivered
// to the callback set with SetOnError. Connection and health check errors
// are returned directly.
package influxdb
