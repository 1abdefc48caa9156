package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement and tag names for switch telemetry.
const (
	switchStateMeasurement = "switch_state"
	tagSwitch              = "switch"
	tagOrigin              = "origin"
	fieldState             = "state"
)

// WriteSwitchState records a switch state change.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Origin tells whether the change came from the bus or from a module
// status frame.
//
// Example:
//
//	client.WriteSwitchState("A.1", 1, "bus")
func (c *Client) WriteSwitchState(key string, state int, origin string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(switchStatePoint(key, state, origin, time.Now()))
}

func switchStatePoint(key string, state int, origin string, ts time.Time) *write.Point {
	return write.NewPoint(
		switchStateMeasurement,
		map[string]string{
			tagSwitch: key,
			tagOrigin: origin,
		},
		map[string]interface{}{
			fieldState: state,
		},
		ts,
	)
}

// WritePoint writes a point stamped with the current time. The service uses
// it for periodic module link telemetry.
//
//	client.WritePoint("relay_module",
//	    map[string]string{"module": "A"},
//	    map[string]interface{}{"connected": true})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
