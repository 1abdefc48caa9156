package relay

import "time"

// Delta is a batch of path updates in the Signal K delta shape:
//
//	{"updates":[{"source":{"device":"devantech"},"timestamp":"...","values":[{"path":"...","value":1}]}]}
type Delta struct {
	Updates []Update `json:"updates"`
}

// Update is one timestamped group of values from a single source.
type Update struct {
	Source    Source      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Values    []PathValue `json:"values"`
}

// Source identifies the publisher of an update.
type Source struct {
	Device string `json:"device"`
}

// PathValue is a single path and its new value.
type PathValue struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// NewDelta wraps values in a single update from device.
func NewDelta(device string, values ...PathValue) Delta {
	return Delta{
		Updates: []Update{{
			Source:    Source{Device: device},
			Timestamp: time.Now().UTC(),
			Values:    values,
		}},
	}
}

// Values returns every value across all updates.
func (d Delta) Values() []PathValue {
	var out []PathValue
	for _, u := range d.Updates {
		out = append(out, u.Values...)
	}
	return out
}

// DeltaSink receives deltas published by the bridge.
type DeltaSink interface {
	Publish(d Delta) error
}
