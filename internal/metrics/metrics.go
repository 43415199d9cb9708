// Package metrics exposes poller and RPC statistics in the Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"path"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"plcrpc/internal/poller"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry     *prometheus.Registry
	cycles       prometheus.Counter
	failures     prometheus.Counter
	cycleSeconds prometheus.Histogram
	sensorValue  *prometheus.GaugeVec
	rpcRequests  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plcrpc_poll_cycles_total",
			Help: "Completed poll cycles.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plcrpc_sensor_read_failures_total",
			Help: "Sensor reads that failed, timed out or panicked.",
		}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "plcrpc_poll_cycle_seconds",
			Help:    "Duration of a full poll cycle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		sensorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "plcrpc_sensor_value",
			Help: "Last polled sensor value; booleans are 0 or 1.",
		}, []string{"plc", "sensor"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plcrpc_rpc_requests_total",
			Help: "RPC calls by method and status code.",
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		m.cycles,
		m.failures,
		m.cycleSeconds,
		m.sensorValue,
		m.rpcRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// HandleCycle is a poller.CycleHandler.
func (m *Metrics) HandleCycle(c poller.Cycle) error {
	m.cycles.Inc()
	m.cycleSeconds.Observe(c.Duration.Seconds())
	for _, r := range c.Readings {
		if r.Err != nil {
			m.failures.Inc()
			continue
		}
		m.sensorValue.WithLabelValues(r.PLC, r.Sensor).Set(float64(r.Value.Int()))
	}
	return nil
}

// UnaryServerInterceptor counts every unary call by method name and code.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		m.rpcRequests.WithLabelValues(path.Base(info.FullMethod), status.Code(err).String()).Inc()
		return resp, err
	}
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
