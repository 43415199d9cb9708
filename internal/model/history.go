package model

import "time"

// PLCRegistration records a registerPLC call.
// Table: plc_registrations
type PLCRegistration struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement"`
	PLCID        string    `gorm:"column:plc_id;index"`
	SlaveID      int       `gorm:"column:slave_id"`
	RegisteredAt time.Time `gorm:"column:registered_at;index"`
}

func (PLCRegistration) TableName() string { return "plc_registrations" }

// SensorReading captures a sensor value observed by the poller or applied by
// a write. Boolean values are stored as 0 or 1.
// Table: sensor_readings
type SensorReading struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement"`
	PLCID        string    `gorm:"column:plc_id;index"`
	Sensor       string    `gorm:"column:sensor;index"`
	RegisterType string    `gorm:"column:register_type"`
	Address      int       `gorm:"column:address"`
	Value        int64     `gorm:"column:value"`
	Source       string    `gorm:"column:source"`
	Timestamp    time.Time `gorm:"column:timestamp;index"`
}

func (SensorReading) TableName() string { return "sensor_readings" }

const (
	SourcePoll  = "poll"
	SourceWrite = "write"
)

// Snapshot converts the row back to the value kind of its register space.
func (r SensorReading) Snapshot() SensorSnapshot {
	rt := RegisterType(r.RegisterType)
	v := Int(r.Value)
	if rt.Kind() == KindBool {
		v = Bool(r.Value != 0)
	}
	return SensorSnapshot{RegisterType: rt, DataAddress: r.Address, Value: v}
}
