package model

import (
	"fmt"
	"strings"
)

// RegisterType names one of the four addressing spaces of a PLC.
type RegisterType string

const (
	Coil            RegisterType = "coil"
	DiscreteInput   RegisterType = "discreteInput"
	HoldingRegister RegisterType = "holdingRegister"
	InputRegister   RegisterType = "inputRegister"
)

// Kind returns the value kind stored in the register space.
func (t RegisterType) Kind() Kind {
	switch t {
	case Coil, DiscreteInput:
		return KindBool
	case HoldingRegister, InputRegister:
		return KindInt
	default:
		return KindInvalid
	}
}

func (t RegisterType) Valid() bool { return t.Kind() != KindInvalid }

// ParseRegisterType accepts the canonical names plus the short and
// lower-case aliases used in configuration files.
func ParseRegisterType(s string) (RegisterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c", "coil", "coils":
		return Coil, nil
	case "d", "discrete", "discreteinput", "discrete_input":
		return DiscreteInput, nil
	case "h", "holding", "holdingregister", "holding_register":
		return HoldingRegister, nil
	case "i", "input", "inputregister", "input_register":
		return InputRegister, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRegisterType, s)
	}
}

// Capability is the externally owned read/write access to a simulated
// physical value. Implementations belong to the simulation engine; callers
// hold a reference and must not assume thread-safety unless documented.
type Capability interface {
	Get() (Value, error)
	Set(Value) error
}

// CapabilityFuncs adapts a producer and a consumer function to Capability.
// A nil SetFunc makes the sensor read-only from the simulation's side: writes
// are accepted and dropped.
type CapabilityFuncs struct {
	GetFunc func() (Value, error)
	SetFunc func(Value) error
}

func (c CapabilityFuncs) Get() (Value, error) {
	if c.GetFunc == nil {
		return Value{}, fmt.Errorf("capability has no read function")
	}
	return c.GetFunc()
}

func (c CapabilityFuncs) Set(v Value) error {
	if c.SetFunc == nil {
		return nil
	}
	return c.SetFunc(v)
}

// Sensor is one addressable point of a PLC.
type Sensor struct {
	Name         string
	RegisterType RegisterType
	DataAddress  int
	Value        Value
	Capability   Capability
}

// Snapshot copies the serialisable part of the sensor.
func (s *Sensor) Snapshot() SensorSnapshot {
	return SensorSnapshot{
		RegisterType: s.RegisterType,
		DataAddress:  s.DataAddress,
		Value:        s.Value,
	}
}

// PLC is a simulated controller keyed by ID in the registry.
type PLC struct {
	ID         string
	SlaveID    int
	Registered bool
	Sensors    map[string]*Sensor
}
