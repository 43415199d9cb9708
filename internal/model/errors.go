package model

import "errors"

var (
	// ErrUnknownPLC is returned when a PLC id is not present in the registry.
	ErrUnknownPLC = errors.New("unknown plc")
	// ErrInvalidValue is returned when a value cannot be coerced to the kind
	// of its register type.
	ErrInvalidValue = errors.New("invalid value")
	// ErrDuplicateAddress is returned by Load when two sensors of one PLC
	// share a register type and data address.
	ErrDuplicateAddress = errors.New("duplicate data address")
	// ErrUnknownRegisterType is returned for register type names that do not
	// map onto one of the four register spaces.
	ErrUnknownRegisterType = errors.New("unknown register type")
)
