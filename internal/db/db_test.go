package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plcrpc/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestReadings(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := []model.SensorReading{
		{PLCID: "plc1", Sensor: "s1", RegisterType: "holdingRegister", Address: 1, Value: 10, Source: model.SourcePoll, Timestamp: base},
		{PLCID: "plc1", Sensor: "s2", RegisterType: "coil", Address: 3, Value: 1, Source: model.SourcePoll, Timestamp: base},
		{PLCID: "plc1", Sensor: "s1", RegisterType: "holdingRegister", Address: 1, Value: 11, Source: model.SourceWrite, Timestamp: base.Add(time.Second)},
		{PLCID: "plc2", Sensor: "s1", RegisterType: "holdingRegister", Address: 1, Value: 99, Source: model.SourcePoll, Timestamp: base},
	}
	require.NoError(t, d.SaveReadings(ctx, rows))
	require.NoError(t, d.SaveReadings(ctx, nil))

	hist, err := d.History(ctx, "plc1", "s1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(11), hist[0].Value)
	assert.Equal(t, model.SourceWrite, hist[0].Source)

	hist, err = d.History(ctx, "plc1", "s1", 1)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	latest, err := d.LatestReadings(ctx, "plc1")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "s1", latest[0].Sensor)
	assert.Equal(t, int64(11), latest[0].Value)
	assert.Equal(t, "s2", latest[1].Sensor)

	latest, err = d.LatestReadings(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestRegistrations(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, d.SaveRegistration(ctx, &model.PLCRegistration{PLCID: "plc1", SlaveID: 1, RegisteredAt: at}))
	require.NoError(t, d.SaveRegistration(ctx, &model.PLCRegistration{PLCID: "plc1", SlaveID: 1, RegisteredAt: at.Add(time.Minute)}))

	regs, err := d.Registrations(ctx, "plc1")
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.True(t, regs[0].RegisteredAt.Before(regs[1].RegisteredAt))
	assert.Equal(t, 1, regs[0].SlaveID)
}
