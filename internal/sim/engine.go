package sim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"plcrpc/internal/config"
	"plcrpc/internal/fieldbus"
	"plcrpc/internal/model"
)

// Engine owns the models built from configuration and the field devices they
// share.
type Engine struct {
	plcs    []*model.PLC
	devices map[string]*fieldbus.Device
	logger  zerolog.Logger
}

// Build constructs a PLC set with one model per sensor.
func Build(cfgs []config.PLCConfig, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		devices: make(map[string]*fieldbus.Device),
		logger:  logger.With().Str("component", "sim").Logger(),
	}
	recordings := make(map[string]Recording)

	for _, pc := range cfgs {
		plc := &model.PLC{ID: pc.ID, SlaveID: pc.SlaveID, Sensors: make(map[string]*model.Sensor, len(pc.Sensors))}
		for _, sc := range pc.Sensors {
			rt, err := model.ParseRegisterType(sc.RegisterType)
			if err != nil {
				e.Close()
				return nil, fmt.Errorf("plc %s sensor %s: %w", pc.ID, sc.Name, err)
			}
			var initial model.Value
			if sc.Value != nil {
				if initial, err = model.Coerce(sc.Value, rt.Kind()); err != nil {
					e.Close()
					return nil, fmt.Errorf("plc %s sensor %s: %w", pc.ID, sc.Name, err)
				}
			}
			capability, err := e.capability(rt, sc, initial, recordings)
			if err != nil {
				e.Close()
				return nil, fmt.Errorf("plc %s sensor %s: %w", pc.ID, sc.Name, err)
			}
			plc.Sensors[sc.Name] = &model.Sensor{
				Name:         sc.Name,
				RegisterType: rt,
				DataAddress:  sc.DataAddress,
				Value:        initial,
				Capability:   capability,
			}
		}
		e.plcs = append(e.plcs, plc)
	}
	e.logger.Info().Int("plcs", len(e.plcs)).Int("devices", len(e.devices)).Msg("simulation built")
	return e, nil
}

func (e *Engine) capability(rt model.RegisterType, sc config.SensorConfig, initial model.Value, recordings map[string]Recording) (model.Capability, error) {
	m := sc.Model
	switch strings.ToLower(m.Type) {
	case "", "memory":
		if !initial.IsValid() {
			initial = zero(rt.Kind())
		}
		return NewMemory(initial), nil
	case "ramp":
		return NewRamp(rt.Kind(), m.Min, m.Max, m.Step), nil
	case "trace":
		rec, ok := recordings[m.CSVFile]
		if !ok {
			var err error
			if rec, err = LoadCSV(m.CSVFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", m.CSVFile, err)
			}
			recordings[m.CSVFile] = rec
		}
		column := m.Column
		if column == "" {
			column = sc.Name
		}
		samples, err := rec.Column(column)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.CSVFile, err)
		}
		return NewTrace(rt.Kind(), samples, m.Scale, m.Offset), nil
	case "modbus":
		dev, err := e.device(m)
		if err != nil {
			return nil, err
		}
		if sc.DataAddress < 0 || sc.DataAddress > 0xFFFF {
			return nil, fmt.Errorf("data address %d outside the modbus range", sc.DataAddress)
		}
		return dev.Capability(rt, uint16(sc.DataAddress)), nil
	default:
		return nil, fmt.Errorf("unknown model %q", m.Type)
	}
}

func (e *Engine) device(m config.ModelConfig) (*fieldbus.Device, error) {
	key := fmt.Sprintf("%s/%d", m.Address, m.SlaveID)
	if dev, ok := e.devices[key]; ok {
		return dev, nil
	}
	dev, err := fieldbus.Open(m.Address, m.SlaveID, m.Timeout)
	if err != nil {
		return nil, err
	}
	e.devices[key] = dev
	e.logger.Info().Str("address", m.Address).Uint8("slave_id", m.SlaveID).Msg("field device connected")
	return dev, nil
}

// PLCs returns the built PLC set, ready for registry.Load.
func (e *Engine) PLCs() []*model.PLC { return e.plcs }

// Close disconnects all field devices.
func (e *Engine) Close() error {
	var errs []error
	for key, dev := range e.devices {
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		delete(e.devices, key)
	}
	return errors.Join(errs...)
}
