package sim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plcrpc/internal/config"
	"plcrpc/internal/modbus"
	"plcrpc/internal/model"
	"plcrpc/internal/registry"
	"plcrpc/internal/service"
)

func ints(t *testing.T, c model.Capability, n int) []int64 {
	t.Helper()
	out := make([]int64, n)
	for i := range out {
		v, err := c.Get()
		require.NoError(t, err)
		out[i] = v.Int()
	}
	return out
}

func TestRamp(t *testing.T) {
	r := NewRamp(model.KindInt, 0, 10, 4)
	assert.Equal(t, []int64{0, 4, 8, 0, 4}, ints(t, r, 5))

	require.NoError(t, r.Set(model.Int(50)))
	assert.Equal(t, []int64{10, 0}, ints(t, r, 2))

	down := NewRamp(model.KindInt, 0, 5, -2)
	require.NoError(t, down.Set(model.Int(5)))
	assert.Equal(t, []int64{5, 3, 1, 5}, ints(t, down, 4))

	toggle := NewRamp(model.KindBool, 0, 0, 0)
	assert.Equal(t, []int64{0, 1, 0}, ints(t, toggle, 3))
}

func TestMemory(t *testing.T) {
	m := NewMemory(model.Int(3))
	v, _ := m.Get()
	assert.Equal(t, int64(3), v.Int())
	require.NoError(t, m.Set(model.Int(9)))
	v, _ = m.Get()
	assert.Equal(t, int64(9), v.Int())
}

func TestTrace(t *testing.T) {
	tr := NewTrace(model.KindInt, []float64{1.2, 2.6, 3}, 10, 1)
	assert.Equal(t, []int64{13, 27, 31, 13}, ints(t, tr, 4))

	b := NewTrace(model.KindBool, []float64{0, 2}, 0, 0)
	v, _ := b.Get()
	assert.False(t, v.Bool())
	v, _ = b.Get()
	assert.True(t, v.Bool())
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCSV(t *testing.T) {
	rec, err := LoadCSV(writeCSV(t, "level,flow\n1,10\n2,20.5\n"))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, rec["level"])
	assert.Equal(t, []float64{10, 20.5}, rec["flow"])

	_, err = rec.Column("missing")
	assert.Error(t, err)

	for name, doc := range map[string]string{
		"header only": "a,b\n",
		"empty cell":  "a,b\n1,\n",
		"not numeric": "a\nx\n",
	} {
		_, err := LoadCSV(writeCSV(t, doc))
		assert.Error(t, err, name)
	}
}

type memory struct{ v model.Value }

func (m *memory) Get() (model.Value, error) { return m.v, nil }
func (m *memory) Set(v model.Value) error   { m.v = v; return nil }

func fieldGateway(t *testing.T) string {
	t.Helper()
	h := service.New(registry.New(), zerolog.Nop())
	require.NoError(t, h.Load([]*model.PLC{{
		ID:      "remote",
		SlaveID: 9,
		Sensors: map[string]*model.Sensor{
			"pressure": {RegisterType: model.InputRegister, DataAddress: 4, Value: model.Int(77), Capability: &memory{}},
		},
	}}))
	gw := modbus.NewGateway(h, zerolog.Nop())
	require.NoError(t, gw.Listen("127.0.0.1:0"))
	t.Cleanup(gw.Close)
	return gw.Addr().String()
}

func TestBuild(t *testing.T) {
	csvPath := writeCSV(t, "tank\n5\n6\n")
	addr := fieldGateway(t)

	cfgs := []config.PLCConfig{{
		ID:      "plc1",
		SlaveID: 1,
		Sensors: []config.SensorConfig{
			{Name: "setpoint", RegisterType: "holding", DataAddress: 1, Value: 12, Model: config.ModelConfig{Type: "memory"}},
			{Name: "counter", RegisterType: "input", DataAddress: 1, Model: config.ModelConfig{Type: "ramp", Min: 0, Max: 3, Step: 1}},
			{Name: "tank", RegisterType: "i", DataAddress: 2, Model: config.ModelConfig{Type: "trace", CSVFile: csvPath}},
			{Name: "pressure", RegisterType: "input", DataAddress: 4, Model: config.ModelConfig{Type: "modbus", Address: addr, SlaveID: 9}},
		},
	}}
	e, err := Build(cfgs, zerolog.Nop())
	require.NoError(t, err)
	defer e.Close()

	require.Len(t, e.PLCs(), 1)
	sensors := e.PLCs()[0].Sensors
	assert.Equal(t, int64(12), sensors["setpoint"].Value.Int())

	v, err := sensors["setpoint"].Capability.Get()
	require.NoError(t, err)
	assert.Equal(t, int64(12), v.Int())

	assert.Equal(t, []int64{5, 6}, ints(t, sensors["tank"].Capability, 2))
	assert.Equal(t, []int64{0, 1}, ints(t, sensors["counter"].Capability, 2))
	assert.Equal(t, []int64{77}, ints(t, sensors["pressure"].Capability, 1))

	// the built set is accepted by the registry
	require.NoError(t, registry.New().Load(e.PLCs()))
}

func TestBuildErrors(t *testing.T) {
	cases := map[string]config.SensorConfig{
		"bad register": {Name: "s", RegisterType: "analog"},
		"bad value":    {Name: "s", RegisterType: "holding", Value: "high"},
		"bad model":    {Name: "s", RegisterType: "holding", Model: config.ModelConfig{Type: "weather"}},
		"missing csv":  {Name: "s", RegisterType: "holding", Model: config.ModelConfig{Type: "trace", CSVFile: "/nonexistent.csv"}},
	}
	for name, sc := range cases {
		_, err := Build([]config.PLCConfig{{ID: "p", Sensors: []config.SensorConfig{sc}}}, zerolog.Nop())
		assert.Error(t, err, name)
	}
}
