package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plcrpc/internal/config"
	"plcrpc/internal/db"
	"plcrpc/internal/rpc"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func TestRunEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Server.ListenAddress = freeAddr(t)
	cfg.Gateway.Enabled = true
	cfg.Gateway.ListenAddress = "127.0.0.1:0"
	cfg.History.Enabled = true
	cfg.History.DBPath = filepath.Join(t.TempDir(), "history.db")
	cfg.Poller.Speed = 1
	cfg.Poller.ReadFrequency = 0.05
	cfg.PLCs = []config.PLCConfig{{
		ID:      "plc1",
		SlaveID: 1,
		Sensors: []config.SensorConfig{
			{Name: "s1", RegisterType: "holding", DataAddress: 1, Value: 0, Model: config.ModelConfig{Type: "memory"}},
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zerolog.Nop()) }()

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	c, err := rpc.Dial(dctx, cfg.Server.ListenAddress, "plc1", rpc.WithBackoff(20*time.Millisecond, 100*time.Millisecond, 0))
	require.NoError(t, err)
	defer c.Close()

	slaveID, err := c.RegisterPLC(dctx)
	require.NoError(t, err)
	assert.Equal(t, 1, slaveID)

	ok, err := c.SetValues(dctx, 3, 1, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	// the poller reads the memory model back, so the value survives cycles
	time.Sleep(120 * time.Millisecond)
	snap, err := c.ReadSensors(dctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap["s1"].Value.Int())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	store, err := db.Open(cfg.History.DBPath)
	require.NoError(t, err)
	defer store.Close()
	regs, err := store.Registrations(context.Background(), "plc1")
	require.NoError(t, err)
	assert.Len(t, regs, 1)
	latest, err := store.LatestReadings(context.Background(), "plc1")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, int64(42), latest[0].Value)
}
