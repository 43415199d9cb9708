package modbus

import "plcrpc/internal/model"

// Function codes borrowed from the Modbus addressing convention. Only the
// numbering is used; no byte-level compliance is implied outside the gateway.
const (
	FuncReadCoils                  = 0x01
	FuncReadDiscreteInputs         = 0x02
	FuncReadHoldingRegisters       = 0x03
	FuncReadInputRegisters         = 0x04
	FuncWriteSingleCoil            = 0x05
	FuncWriteSingleRegister        = 0x06
	FuncWriteMultipleCoils         = 0x0F
	FuncWriteMultipleRegisters     = 0x10
	FuncMaskWriteRegister          = 0x16
	FuncReadWriteMultipleRegisters = 0x17
)

var registerTypes = map[int]model.RegisterType{
	FuncReadCoils:                  model.Coil,
	FuncWriteSingleCoil:            model.Coil,
	FuncWriteMultipleCoils:         model.Coil,
	FuncReadDiscreteInputs:         model.DiscreteInput,
	FuncReadHoldingRegisters:       model.HoldingRegister,
	FuncWriteSingleRegister:        model.HoldingRegister,
	FuncWriteMultipleRegisters:     model.HoldingRegister,
	FuncMaskWriteRegister:          model.HoldingRegister,
	FuncReadWriteMultipleRegisters: model.HoldingRegister,
	FuncReadInputRegisters:         model.InputRegister,
}

// RegisterTypeFor resolves a function code to the register space it
// addresses. ok is false for unsupported codes.
func RegisterTypeFor(code int) (rt model.RegisterType, ok bool) {
	rt, ok = registerTypes[code]
	return rt, ok
}
