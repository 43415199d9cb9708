package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plcrpc/internal/db"
	"plcrpc/internal/model"
)

func TestCollect(t *testing.T) {
	ctx := context.Background()
	store, err := db.Open(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	defer store.Close()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveReadings(ctx, []model.SensorReading{
		{PLCID: "plc1", Sensor: "level", RegisterType: string(model.HoldingRegister), Address: 1, Value: 5, Source: model.SourcePoll, Timestamp: at},
		{PLCID: "plc1", Sensor: "valve", RegisterType: string(model.Coil), Address: 2, Value: 1, Source: model.SourcePoll, Timestamp: at},
		{PLCID: "plc1", Sensor: "level", RegisterType: string(model.HoldingRegister), Address: 1, Value: 6, Source: model.SourceWrite, Timestamp: at.Add(time.Second)},
	}))

	snaps, err := collect(ctx, store, []string{"plc1"}, "", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(6), snaps[0].Sensors["level"].Value.Int())
	assert.True(t, snaps[0].Sensors["valve"].Value.Bool())
	assert.Equal(t, model.KindBool, snaps[0].Sensors["valve"].Value.Kind())
	assert.True(t, snaps[0].Timestamp.Equal(at.Add(time.Second)))

	snaps, err = collect(ctx, store, []string{" plc1 "}, "level", 1)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(6), snaps[0].Sensors["level"].Value.Int())
}
