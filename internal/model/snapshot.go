package model

import "time"

// SensorSnapshot is the detached view of a sensor returned to remote callers.
// It never carries the sensor's capability.
type SensorSnapshot struct {
	RegisterType RegisterType `json:"register_type"`
	DataAddress  int          `json:"data_address"`
	Value        Value        `json:"value"`
}

// PLCSnapshot aggregates all sensors of a PLC at one instant, as exported by
// the CLI.
type PLCSnapshot struct {
	PLC       string                    `json:"plc"`
	SlaveID   int                       `json:"slave_id,omitempty"`
	Sensors   map[string]SensorSnapshot `json:"sensors"`
	Timestamp time.Time                 `json:"timestamp"`
}
