// Package service implements the three PLC operations exposed to remote
// callers on top of the registry, and owns the sensor poller's lifecycle.
package service

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"plcrpc/internal/modbus"
	"plcrpc/internal/model"
	"plcrpc/internal/poller"
	"plcrpc/internal/registry"
)

// Observer is notified of state changes made through the handler.
type Observer interface {
	PLCRegistered(plcID string, slaveID int)
	ValueWritten(t registry.Target, v model.Value)
}

// Handler serves registerPLC, readSensors and setValues.
type Handler struct {
	reg       *registry.Registry
	poller    *poller.Poller
	observers []Observer
	logger    zerolog.Logger
}

// Option customises a Handler.
type Option func(*Handler)

// WithPoller attaches the poller whose lifecycle Start and Stop drive.
func WithPoller(p *poller.Poller) Option {
	return func(h *Handler) { h.poller = p }
}

// WithObserver adds an observer for registrations and applied writes.
func WithObserver(o Observer) Option {
	return func(h *Handler) { h.observers = append(h.observers, o) }
}

// New returns a handler over reg.
func New(reg *registry.Registry, logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{
		reg:    reg,
		logger: logger.With().Str("component", "rpc-handler").Logger(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Load installs a new PLC set, replacing the current one.
func (h *Handler) Load(plcs []*model.PLC) error {
	if err := h.reg.Load(plcs); err != nil {
		return err
	}
	h.logger.Info().Int("plcs", len(plcs)).Msg("plc set loaded")
	return nil
}

// Start activates the poller, if one is attached.
func (h *Handler) Start() error {
	if h.poller == nil {
		return nil
	}
	return h.poller.Activate()
}

// Stop deactivates the poller and waits for its loop to exit.
func (h *Handler) Stop() {
	if h.poller != nil {
		h.poller.Deactivate()
	}
}

// RegisterPLC flags the PLC as registered and returns its slave id.
func (h *Handler) RegisterPLC(ctx context.Context, plcID string) (int, error) {
	slaveID, err := h.reg.Register(plcID)
	if err != nil {
		return 0, err
	}
	h.logger.Info().Str("plc", plcID).Int("slave_id", slaveID).Msg("plc registered")
	for _, o := range h.observers {
		o.PLCRegistered(plcID, slaveID)
	}
	return slaveID, nil
}

// ReadSensors returns a detached snapshot of the PLC's sensors.
func (h *Handler) ReadSensors(ctx context.Context, plcID string) (map[string]model.SensorSnapshot, error) {
	return h.reg.Snapshot(plcID)
}

// SetValues writes values to consecutive addresses starting at address, in
// the register space selected by functionCode. A scalar is treated as a
// one-element sequence.
//
// The result is true when at least one offset reached a sensor and its write
// capability accepted the value. An unsupported function code yields false.
// An unknown PLC yields model.ErrUnknownPLC and a value that cannot be
// converted to the register kind yields model.ErrInvalidValue; in both cases
// nothing is written.
func (h *Handler) SetValues(ctx context.Context, plcID string, functionCode, address int, values any) (bool, error) {
	rt, ok := modbus.RegisterTypeFor(functionCode)
	if !ok {
		h.logger.Debug().Str("plc", plcID).Int("function_code", functionCode).Msg("unsupported function code")
		return false, nil
	}
	if !h.reg.Contains(plcID) {
		return false, fmt.Errorf("%w: %q", model.ErrUnknownPLC, plcID)
	}

	raw := normalize(values)
	coerced := make([]model.Value, len(raw))
	for i, v := range raw {
		c, err := model.Coerce(v, rt.Kind())
		if err != nil {
			return false, fmt.Errorf("offset %d: %w", i, err)
		}
		coerced[i] = c
	}

	written := false
	for i, v := range coerced {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		ok, err := h.writeOne(plcID, rt, address+i, v)
		if err != nil {
			return written, err
		}
		written = written || ok
	}
	return written, nil
}

func (h *Handler) writeOne(plcID string, rt model.RegisterType, address int, v model.Value) (bool, error) {
	t, ok, err := h.reg.Lookup(plcID, rt, address)
	if err != nil || !ok {
		return false, err
	}
	if err := safeSet(t.Capability, v); err != nil {
		h.logger.Warn().Err(err).Str("plc", plcID).Str("sensor", t.Sensor).Msg("sensor write failed")
		return false, nil
	}
	if !h.reg.Store(t, v) {
		h.logger.Debug().Str("plc", plcID).Str("sensor", t.Sensor).Msg("plc set reloaded during write")
	}
	for _, o := range h.observers {
		o.ValueWritten(t, v)
	}
	return true, nil
}

func safeSet(c model.Capability, v model.Value) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("capability panic: %v", rec)
		}
	}()
	return c.Set(v)
}

// normalize turns slices and arrays into their elements and anything else,
// strings included, into a single element.
func normalize(values any) []any {
	switch vs := values.(type) {
	case []any:
		return vs
	case string:
		return []any{vs}
	}
	rv := reflect.ValueOf(values)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{values}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// PLCForUnit maps a Modbus unit id onto the PLC with that slave id.
func (h *Handler) PLCForUnit(unit byte) (string, bool) {
	return h.reg.PLCBySlaveID(int(unit))
}

// PLCIDs lists the loaded PLCs.
func (h *Handler) PLCIDs() []string { return h.reg.PLCIDs() }
