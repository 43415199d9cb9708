// Package sim provides the simulated physical models that back sensor
// capabilities in the daemon.
package sim

import (
	"math"
	"sync"

	"plcrpc/internal/model"
)

// Memory holds the last written value.
type Memory struct {
	mu sync.Mutex
	v  model.Value
}

func NewMemory(initial model.Value) *Memory { return &Memory{v: initial} }

func (m *Memory) Get() (model.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v, nil
}

func (m *Memory) Set(v model.Value) error {
	m.mu.Lock()
	m.v = v
	m.mu.Unlock()
	return nil
}

// Ramp counts from min to max in steps and wraps around. For boolean
// registers it toggles on every read. A write moves the counter.
type Ramp struct {
	mu             sync.Mutex
	kind           model.Kind
	min, max, step int64
	cur            int64
}

func NewRamp(kind model.Kind, min, max, step int64) *Ramp {
	if step == 0 {
		step = 1
	}
	if max < min {
		min, max = max, min
	}
	return &Ramp{kind: kind, min: min, max: max, step: step, cur: min}
}

func (r *Ramp) Get() (model.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.kind == model.KindBool {
		v := model.Bool(r.cur != 0)
		r.cur = 1 - r.cur
		return v, nil
	}

	v := model.Int(r.cur)
	next := r.cur + r.step
	switch {
	case r.step > 0 && (next > r.max || next < r.cur):
		next = r.min
	case r.step < 0 && (next < r.min || next > r.cur):
		next = r.max
	}
	r.cur = next
	return v, nil
}

func (r *Ramp) Set(v model.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kind == model.KindBool {
		r.cur = v.Int()
		if r.cur != 0 {
			r.cur = 1
		}
		return nil
	}
	r.cur = max(r.min, min(r.max, v.Int()))
	return nil
}

// Trace replays a recorded column, one sample per read, wrapping at the end.
// Samples are scaled as sample*scale+offset; boolean registers read true for
// positive results. Writes are accepted and dropped.
type Trace struct {
	mu            sync.Mutex
	kind          model.Kind
	samples       []float64
	scale, offset float64
	idx           int
}

func NewTrace(kind model.Kind, samples []float64, scale, offset float64) *Trace {
	if scale == 0 {
		scale = 1
	}
	return &Trace{kind: kind, samples: samples, scale: scale, offset: offset}
}

func (t *Trace) Get() (model.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) == 0 {
		return zero(t.kind), nil
	}
	scaled := t.samples[t.idx]*t.scale + t.offset
	t.idx = (t.idx + 1) % len(t.samples)

	if t.kind == model.KindBool {
		return model.Bool(scaled > 0), nil
	}
	return model.Int(int64(math.Round(scaled))), nil
}

func (t *Trace) Set(model.Value) error { return nil }

func zero(kind model.Kind) model.Value {
	if kind == model.KindBool {
		return model.Bool(false)
	}
	return model.Int(0)
}
