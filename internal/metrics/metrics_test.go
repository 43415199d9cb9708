package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"plcrpc/internal/model"
	"plcrpc/internal/poller"
)

func TestHandleCycle(t *testing.T) {
	m := New()
	c := poller.Cycle{
		Duration: 20 * time.Millisecond,
		Readings: []poller.Reading{
			{PLC: "plc1", Sensor: "s1", Value: model.Int(7)},
			{PLC: "plc1", Sensor: "s2", Value: model.Bool(true)},
			{PLC: "plc1", Sensor: "s3", Err: errors.New("timeout")},
		},
	}
	require.NoError(t, m.HandleCycle(c))
	require.NoError(t, m.HandleCycle(c))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failures))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.sensorValue.WithLabelValues("plc1", "s1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sensorValue.WithLabelValues("plc1", "s2")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.cycleSeconds))
}

func TestUnaryServerInterceptor(t *testing.T) {
	m := New()
	icpt := m.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/plcrpc.PLCService/setValues"}

	ok := func(context.Context, any) (any, error) { return "done", nil }
	notFound := func(context.Context, any) (any, error) { return nil, status.Error(codes.NotFound, "unknown plc") }

	resp, err := icpt(context.Background(), nil, info, ok)
	require.NoError(t, err)
	assert.Equal(t, "done", resp)
	_, err = icpt(context.Background(), nil, info, notFound)
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, _ = icpt(context.Background(), nil, info, notFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcRequests.WithLabelValues("setValues", "OK")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rpcRequests.WithLabelValues("setValues", "NotFound")))
}

func TestHandler(t *testing.T) {
	m := New()
	require.NoError(t, m.HandleCycle(poller.Cycle{Duration: time.Millisecond}))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "plcrpc_poll_cycles_total 1")
	assert.Contains(t, string(body), "plcrpc_poll_cycle_seconds_bucket")
}
