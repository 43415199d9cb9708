// Package registry holds the PLC and sensor definitions together with their
// live values. All access goes through a single reader/writer lock: snapshots
// and lookups share it, value stores and reloads take it exclusively.
// Capabilities are never invoked while the lock is held.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"plcrpc/internal/model"
)

type addrKey struct {
	rt   model.RegisterType
	addr int
}

type entry struct {
	plc   *model.PLC
	index map[addrKey]string
}

// Target identifies one sensor and carries the capability used to reach its
// simulated value.
type Target struct {
	PLC          string
	Sensor       string
	RegisterType model.RegisterType
	DataAddress  int
	Capability   model.Capability

	// Generation is the Load that produced the target. Store refuses targets
	// from an older set.
	Generation uint64
}

// Registry is the in-memory PLC store.
type Registry struct {
	mu   sync.RWMutex
	gen  uint64
	plcs map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{plcs: make(map[string]*entry)}
}

// Load validates plcs and replaces the whole PLC set. The registry keeps its
// own copies of the PLC and sensor structs; capabilities are shared by
// reference. On error the previous set stays installed.
func (r *Registry) Load(plcs []*model.PLC) error {
	next := make(map[string]*entry, len(plcs))
	for _, p := range plcs {
		if p == nil {
			continue
		}
		if p.ID == "" {
			return errors.New("plc id must be set")
		}
		if _, dup := next[p.ID]; dup {
			return fmt.Errorf("plc %s defined twice", p.ID)
		}
		e, err := newEntry(p)
		if err != nil {
			return fmt.Errorf("plc %s: %w", p.ID, err)
		}
		next[p.ID] = e
	}

	r.mu.Lock()
	r.plcs = next
	r.gen++
	r.mu.Unlock()
	return nil
}

func newEntry(p *model.PLC) (*entry, error) {
	cp := &model.PLC{
		ID:         p.ID,
		SlaveID:    p.SlaveID,
		Registered: p.Registered,
		Sensors:    make(map[string]*model.Sensor, len(p.Sensors)),
	}
	index := make(map[addrKey]string, len(p.Sensors))

	for name, s := range p.Sensors {
		if s == nil {
			return nil, fmt.Errorf("sensor %s is nil", name)
		}
		if s.Name != "" && s.Name != name {
			return nil, fmt.Errorf("sensor key %s does not match name %s", name, s.Name)
		}
		if !s.RegisterType.Valid() {
			return nil, fmt.Errorf("sensor %s: %w: %q", name, model.ErrUnknownRegisterType, s.RegisterType)
		}
		if s.DataAddress < 0 {
			return nil, fmt.Errorf("sensor %s: negative data address %d", name, s.DataAddress)
		}
		if s.Capability == nil {
			return nil, fmt.Errorf("sensor %s: capability must be set", name)
		}
		k := addrKey{rt: s.RegisterType, addr: s.DataAddress}
		if other, dup := index[k]; dup {
			return nil, fmt.Errorf("sensors %s and %s at %s %d: %w", other, name, s.RegisterType, s.DataAddress, model.ErrDuplicateAddress)
		}

		value := s.Value
		if value.IsValid() {
			v, err := model.Coerce(value, s.RegisterType.Kind())
			if err != nil {
				return nil, fmt.Errorf("sensor %s: %w", name, err)
			}
			value = v
		} else {
			value = zeroValue(s.RegisterType)
		}

		index[k] = name
		cp.Sensors[name] = &model.Sensor{
			Name:         name,
			RegisterType: s.RegisterType,
			DataAddress:  s.DataAddress,
			Value:        value,
			Capability:   s.Capability,
		}
	}
	return &entry{plc: cp, index: index}, nil
}

func zeroValue(rt model.RegisterType) model.Value {
	if rt.Kind() == model.KindBool {
		return model.Bool(false)
	}
	return model.Int(0)
}

func (r *Registry) lookup(plcID string) (*entry, error) {
	e, ok := r.plcs[plcID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownPLC, plcID)
	}
	return e, nil
}

// Register marks the PLC as registered and returns its slave id.
func (r *Registry) Register(plcID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(plcID)
	if err != nil {
		return 0, err
	}
	e.plc.Registered = true
	return e.plc.SlaveID, nil
}

// IsRegistered reports whether Register has been called for the PLC.
func (r *Registry) IsRegistered(plcID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.lookup(plcID)
	if err != nil {
		return false, err
	}
	return e.plc.Registered, nil
}

// Snapshot returns a detached copy of the PLC's sensors without capabilities.
func (r *Registry) Snapshot(plcID string) (map[string]model.SensorSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.lookup(plcID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.SensorSnapshot, len(e.plc.Sensors))
	for name, s := range e.plc.Sensors {
		out[name] = s.Snapshot()
	}
	return out, nil
}

// Contains reports whether the PLC is loaded.
func (r *Registry) Contains(plcID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plcs[plcID]
	return ok
}

// PLCIDs returns the ids of all loaded PLCs in sorted order.
func (r *Registry) PLCIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plcs))
	for id := range r.plcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PLCBySlaveID finds the PLC carrying the given slave id.
func (r *Registry) PLCBySlaveID(slaveID int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.plcs {
		if e.plc.SlaveID == slaveID {
			return id, true
		}
	}
	return "", false
}

// Targets lists every sensor of every PLC, ordered by PLC id then sensor name.
func (r *Registry) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Target
	for _, e := range r.plcs {
		for name, s := range e.plc.Sensors {
			out = append(out, Target{
				PLC:          e.plc.ID,
				Sensor:       name,
				RegisterType: s.RegisterType,
				DataAddress:  s.DataAddress,
				Capability:   s.Capability,
				Generation:   r.gen,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PLC != out[j].PLC {
			return out[i].PLC < out[j].PLC
		}
		return out[i].Sensor < out[j].Sensor
	})
	return out
}

// Lookup finds the sensor at (rt, address) within the PLC. ok is false when
// no sensor occupies that pair; err is set only for an unknown PLC.
func (r *Registry) Lookup(plcID string, rt model.RegisterType, address int) (t Target, ok bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.lookup(plcID)
	if err != nil {
		return Target{}, false, err
	}
	name, ok := e.index[addrKey{rt: rt, addr: address}]
	if !ok {
		return Target{}, false, nil
	}
	s := e.plc.Sensors[name]
	return Target{
		PLC:          plcID,
		Sensor:       name,
		RegisterType: s.RegisterType,
		DataAddress:  s.DataAddress,
		Capability:   s.Capability,
		Generation:   r.gen,
	}, true, nil
}

// Store records v as the target sensor's live value, coerced to its register
// kind. It returns false when v is invalid or the target belongs to a PLC set
// that has since been replaced.
func (r *Registry) Store(t Target, v model.Value) bool {
	if !v.IsValid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Generation != r.gen {
		return false
	}
	e, ok := r.plcs[t.PLC]
	if !ok {
		return false
	}
	s, ok := e.plc.Sensors[t.Sensor]
	if !ok {
		return false
	}
	coerced, err := model.Coerce(v, s.RegisterType.Kind())
	if err != nil {
		return false
	}
	s.Value = coerced
	return true
}
