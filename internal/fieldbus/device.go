// Package fieldbus reaches sensor values on an external Modbus TCP device.
package fieldbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"plcrpc/internal/model"
)

const (
	coilOn  = 0xFF00
	coilOff = 0x0000
)

var ErrReadOnly = errors.New("register space is read-only on the field device")

// Device is one Modbus TCP slave shared by all sensors mapped onto it.
type Device struct {
	address string

	mu      sync.Mutex
	handler *mb.TCPClientHandler
	client  mb.Client
}

// Open connects to the slave at address.
func Open(address string, slaveID byte, timeout time.Duration) (*Device, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	h := mb.NewTCPClientHandler(address)
	h.Timeout = timeout
	h.SlaveId = slaveID
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	return &Device{address: address, handler: h, client: mb.NewClient(h)}, nil
}

// Address returns the device's network address.
func (d *Device) Address() string { return d.address }

// Close drops the connection.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler.Close()
}

// Capability returns read/write access to one register of the device.
func (d *Device) Capability(rt model.RegisterType, address uint16) model.Capability {
	return model.CapabilityFuncs{
		GetFunc: func() (model.Value, error) { return d.read(rt, address) },
		SetFunc: func(v model.Value) error { return d.write(rt, address, v) },
	}
}

func (d *Device) read(rt model.RegisterType, address uint16) (model.Value, error) {
	var v model.Value
	err := d.withRetry(func() error {
		var (
			data []byte
			err  error
		)
		switch rt {
		case model.Coil:
			data, err = d.client.ReadCoils(address, 1)
		case model.DiscreteInput:
			data, err = d.client.ReadDiscreteInputs(address, 1)
		case model.HoldingRegister:
			data, err = d.client.ReadHoldingRegisters(address, 1)
		case model.InputRegister:
			data, err = d.client.ReadInputRegisters(address, 1)
		default:
			return fmt.Errorf("%w: %q", model.ErrUnknownRegisterType, rt)
		}
		if err != nil {
			return err
		}
		if rt.Kind() == model.KindBool {
			v = model.Bool(len(data) > 0 && data[0]&0x01 == 0x01)
			return nil
		}
		if len(data) < 2 {
			return errors.New("insufficient data for register")
		}
		v = model.Int(int64(uint16(data[0])<<8 | uint16(data[1])))
		return nil
	})
	return v, err
}

func (d *Device) write(rt model.RegisterType, address uint16, v model.Value) error {
	switch rt {
	case model.Coil:
		raw := uint16(coilOff)
		if v.Bool() {
			raw = coilOn
		}
		return d.withRetry(func() error {
			_, err := d.client.WriteSingleCoil(address, raw)
			return err
		})
	case model.HoldingRegister:
		n := v.Int()
		if n < 0 || n > 0xFFFF {
			return fmt.Errorf("%w: %d does not fit a register", model.ErrInvalidValue, n)
		}
		return d.withRetry(func() error {
			_, err := d.client.WriteSingleRegister(address, uint16(n))
			return err
		})
	default:
		return fmt.Errorf("%s %d: %w", rt, address, ErrReadOnly)
	}
}

// withRetry runs op once more after reconnecting when it fails with a
// transport error. Modbus exceptions are returned as is.
func (d *Device) withRetry(op func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := op()
	if err == nil {
		return nil
	}
	var mbErr *mb.ModbusError
	if errors.As(err, &mbErr) {
		return err
	}
	d.handler.Close()
	if cerr := d.handler.Connect(); cerr != nil {
		return fmt.Errorf("reconnect %s: %w (after %v)", d.address, cerr, err)
	}
	return op()
}
