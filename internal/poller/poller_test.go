package poller

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"plcrpc/internal/model"
	"plcrpc/internal/registry"
)

type mockCapability struct {
	mock.Mock
}

func (m *mockCapability) Get() (model.Value, error) {
	args := m.Called()
	return args.Get(0).(model.Value), args.Error(1)
}

func (m *mockCapability) Set(v model.Value) error {
	return m.Called(v).Error(0)
}

func fixed(v model.Value) model.Capability {
	return model.CapabilityFuncs{GetFunc: func() (model.Value, error) { return v, nil }}
}

func newRegistry(t *testing.T, sensors map[string]*model.Sensor) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, r.Load([]*model.PLC{{ID: "plc1", SlaveID: 1, Sensors: sensors}}))
	return r
}

func TestNextDelay(t *testing.T) {
	ms := time.Millisecond
	cases := []struct {
		now      time.Duration
		interval time.Duration
		want     time.Duration
	}{
		{now: 1250 * ms, interval: 500 * ms, want: 250 * ms},
		{now: 1500 * ms, interval: 500 * ms, want: 500 * ms},
		{now: 1501 * ms, interval: 500 * ms, want: 499 * ms},
		{now: 7 * time.Second, interval: 3 * time.Second, want: 2 * time.Second},
	}
	for _, tc := range cases {
		got := nextDelay(time.Unix(0, int64(tc.now)), tc.interval)
		assert.Equal(t, tc.want, got, "now=%s interval=%s", tc.now, tc.interval)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	src := registry.New()
	_, err := New(src, Options{Speed: 0, ReadFrequency: 1}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(src, Options{Speed: 1, ReadFrequency: -1}, zerolog.Nop())
	assert.Error(t, err)

	p, err := New(src, Options{Speed: 2, ReadFrequency: 0.25}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, p.Interval())
}

func TestRunCycleStoresCoercedValues(t *testing.T) {
	reg := newRegistry(t, map[string]*model.Sensor{
		"level": {RegisterType: model.HoldingRegister, DataAddress: 1, Capability: fixed(model.Int(42))},
		"pump":  {RegisterType: model.Coil, DataAddress: 1, Capability: fixed(model.Int(3))},
	})
	p, err := New(reg, Options{Speed: 1, ReadFrequency: 1}, zerolog.Nop())
	require.NoError(t, err)

	cycle := p.RunCycle()
	assert.Len(t, cycle.Readings, 2)
	assert.Zero(t, cycle.Failures())

	snap, err := reg.Snapshot("plc1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap["level"].Value.Int())
	assert.Equal(t, model.KindBool, snap["pump"].Value.Kind())
	assert.True(t, snap["pump"].Value.Bool())
}

func TestRunCycleIsolatesFailures(t *testing.T) {
	failing := &mockCapability{}
	failing.On("Get").Return(model.Value{}, errors.New("sensor offline"))

	release := make(chan struct{})
	defer close(release)

	reg := newRegistry(t, map[string]*model.Sensor{
		"a_fails": {RegisterType: model.HoldingRegister, DataAddress: 1, Capability: failing},
		"b_panics": {RegisterType: model.HoldingRegister, DataAddress: 2, Capability: model.CapabilityFuncs{
			GetFunc: func() (model.Value, error) { panic("boom") },
		}},
		"c_hangs": {RegisterType: model.HoldingRegister, DataAddress: 3, Capability: model.CapabilityFuncs{
			GetFunc: func() (model.Value, error) {
				<-release
				return model.Int(1), nil
			},
		}},
		"d_ok": {RegisterType: model.HoldingRegister, DataAddress: 4, Capability: fixed(model.Int(7))},
	})
	p, err := New(reg, Options{Speed: 1, ReadFrequency: 1, ReadTimeout: 20 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	cycle := p.RunCycle()
	require.Len(t, cycle.Readings, 4)
	assert.Equal(t, 3, cycle.Failures())
	assert.ErrorIs(t, cycle.Readings[2].Err, ErrReadTimeout)
	assert.NoError(t, cycle.Readings[3].Err)

	snap, err := reg.Snapshot("plc1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap["d_ok"].Value.Int())
	assert.Equal(t, int64(0), snap["a_fails"].Value.Int())
	failing.AssertExpectations(t)
}

func TestHandlersReceiveCycle(t *testing.T) {
	reg := newRegistry(t, map[string]*model.Sensor{
		"level": {RegisterType: model.InputRegister, DataAddress: 1, Capability: fixed(model.Int(5))},
	})
	var got []Cycle
	opts := Options{
		Speed:         1,
		ReadFrequency: 1,
		Handlers: []CycleHandler{
			func(Cycle) error { return errors.New("sink down") },
			func(c Cycle) error { got = append(got, c); return nil },
		},
	}
	p, err := New(reg, opts, zerolog.Nop())
	require.NoError(t, err)

	p.RunCycle()
	require.Len(t, got, 1)
	assert.Equal(t, "level", got[0].Readings[0].Sensor)
	assert.Equal(t, int64(5), got[0].Readings[0].Value.Int())
}

func TestActivateDeactivate(t *testing.T) {
	var reads atomic.Int32
	reg := newRegistry(t, map[string]*model.Sensor{
		"level": {RegisterType: model.HoldingRegister, Capability: model.CapabilityFuncs{
			GetFunc: func() (model.Value, error) {
				reads.Add(1)
				return model.Int(1), nil
			},
		}},
	})
	p, err := New(reg, Options{Speed: 1, ReadFrequency: 0.2}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, p.Activate())
	assert.True(t, p.Running())
	assert.ErrorIs(t, p.Activate(), ErrAlreadyActive)

	start := time.Now()
	p.Deactivate()
	assert.Less(t, time.Since(start), p.Interval()+50*time.Millisecond)
	assert.False(t, p.Running())

	// loop has exited; the count no longer moves
	n := reads.Load()
	time.Sleep(2 * p.Interval())
	assert.Equal(t, n, reads.Load())

	// idle deactivate is a no-op, and the poller can be restarted
	p.Deactivate()
	require.NoError(t, p.Activate())
	p.Deactivate()
}

func hung(release <-chan struct{}, calls *atomic.Int32) model.Capability {
	return model.CapabilityFuncs{GetFunc: func() (model.Value, error) {
		calls.Add(1)
		<-release
		return model.Int(1), nil
	}}
}

func TestDeactivateAbandonsSlowCycle(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	var calls atomic.Int32
	sensors := make(map[string]*model.Sensor)
	for i, name := range []string{"a", "b", "c", "d"} {
		sensors[name] = &model.Sensor{RegisterType: model.HoldingRegister, DataAddress: i, Capability: hung(release, &calls)}
	}
	var handled atomic.Int32
	p, err := New(newRegistry(t, sensors), Options{
		Speed:         1,
		ReadFrequency: 0.5,
		ReadTimeout:   time.Second,
		Handlers:      []CycleHandler{func(Cycle) error { handled.Add(1); return nil }},
	}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, p.Activate())
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	p.Deactivate()
	assert.Less(t, time.Since(start), p.Interval())
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, handled.Load())
}

func TestHungSensorIsNotReadAgain(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	reg := newRegistry(t, map[string]*model.Sensor{
		"stuck": {RegisterType: model.HoldingRegister, DataAddress: 1, Capability: hung(release, &calls)},
		"fine":  {RegisterType: model.HoldingRegister, DataAddress: 2, Capability: fixed(model.Int(3))},
	})
	p, err := New(reg, Options{Speed: 1, ReadFrequency: 1, ReadTimeout: time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	first := p.RunCycle()
	assert.ErrorIs(t, first.Readings[1].Err, ErrReadTimeout)

	before := runtime.NumGoroutine()
	for i := 0; i < 200; i++ {
		c := p.RunCycle()
		require.ErrorIs(t, c.Readings[1].Err, ErrReadInFlight)
		require.NoError(t, c.Readings[0].Err)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+2)
	assert.Equal(t, int32(1), calls.Load())

	// once the capability returns, the sensor is read again
	close(release)
	require.Eventually(t, func() bool {
		return p.RunCycle().Readings[1].Err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestCadenceStaysOnGrid(t *testing.T) {
	const interval = 100 * time.Millisecond
	const tolerance = 25 * time.Millisecond

	var (
		mu     sync.Mutex
		stamps []time.Time
	)
	reg := newRegistry(t, map[string]*model.Sensor{
		"slow": {RegisterType: model.HoldingRegister, Capability: model.CapabilityFuncs{
			GetFunc: func() (model.Value, error) {
				mu.Lock()
				stamps = append(stamps, time.Now())
				mu.Unlock()
				// read time must not shift later cycles
				time.Sleep(30 * time.Millisecond)
				return model.Int(1), nil
			},
		}},
	})
	p, err := New(reg, Options{Speed: 2, ReadFrequency: 0.05}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, interval, p.Interval())

	require.NoError(t, p.Activate())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamps) >= 5
	}, 2*time.Second, 10*time.Millisecond)
	p.Deactivate()

	mu.Lock()
	defer mu.Unlock()
	// the first cycle runs at activation, the rest on the grid
	for i, ts := range stamps[1:] {
		offset := time.Duration(ts.UnixNano() % int64(interval))
		assert.Less(t, offset, tolerance, "cycle %d started %s after its boundary", i+1, offset)
	}
	for i := 2; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.InDelta(t, float64(interval), float64(gap), float64(tolerance), "gap before cycle %d", i)
	}
}
