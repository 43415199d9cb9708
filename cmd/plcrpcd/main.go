// Command plcrpcd hosts the simulated PLCs and serves registerPLC,
// readSensors and setValues over gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"plcrpc/internal/config"
	"plcrpc/internal/db"
	"plcrpc/internal/history"
	"plcrpc/internal/logging"
	"plcrpc/internal/metrics"
	"plcrpc/internal/modbus"
	"plcrpc/internal/poller"
	"plcrpc/internal/registry"
	"plcrpc/internal/rpc"
	"plcrpc/internal/service"
	"plcrpc/internal/sim"
	"plcrpc/internal/telemetry"
)

func main() {
	var (
		configPath string
		envFile    string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&envFile, "env", ".env", "Optional .env file with PLCRPC_* overrides")
	flag.Parse()

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("plcrpcd stopped")
	}
	logger.Info().Msg("plcrpcd stopped")
}

// run wires the components described by cfg and blocks until ctx is done or
// a listener fails.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	engine, err := sim.Build(cfg.PLCs, logger)
	if err != nil {
		return fmt.Errorf("build simulation: %w", err)
	}
	defer engine.Close()

	var (
		handlers  []poller.CycleHandler
		observers []service.Option
		serverOps []grpc.ServerOption
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		handlers = append(handlers, m.HandleCycle)
		serverOps = append(serverOps, grpc.ChainUnaryInterceptor(m.UnaryServerInterceptor()))
	}

	if cfg.History.Enabled {
		store, err := db.Open(cfg.History.DBPath)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
		rec := history.NewRecorder(store, cfg.History.QueueSize, cfg.History.DedupTTL, logger)
		defer rec.Close()
		handlers = append(handlers, rec.HandleCycle)
		observers = append(observers, service.WithObserver(rec))
		logger.Info().Str("db", cfg.History.DBPath).Msg("history enabled")
	}

	if cfg.MQTT.Enabled {
		pub, err := telemetry.Connect(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		handlers = append(handlers, pub.HandleCycle)
	}

	reg := registry.New()
	p, err := poller.New(reg, poller.Options{
		Speed:         cfg.Poller.Speed,
		ReadFrequency: cfg.Poller.ReadFrequency,
		ReadTimeout:   cfg.Poller.ReadTimeout,
		Handlers:      handlers,
	}, logger)
	if err != nil {
		return err
	}

	h := service.New(reg, logger, append(observers, service.WithPoller(p))...)
	if err := h.Load(engine.PLCs()); err != nil {
		return fmt.Errorf("load plcs: %w", err)
	}
	if err := h.Start(); err != nil {
		return err
	}
	defer h.Stop()

	lis, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddress, err)
	}
	srv := rpc.NewServer(h, logger, serverOps...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(lis) })
	g.Go(func() error {
		<-gctx.Done()
		srv.GracefulStop()
		return nil
	})

	if cfg.Gateway.Enabled {
		gw := modbus.NewGateway(h, logger)
		if err := gw.Listen(cfg.Gateway.ListenAddress); err != nil {
			srv.Stop()
			return fmt.Errorf("modbus gateway: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			gw.Close()
			return nil
		})
	}

	if m != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		hs := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info().Str("address", hs.Addr).Str("path", cfg.Metrics.Path).Msg("metrics listening")
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	logger.Info().
		Strs("plcs", h.PLCIDs()).
		Dur("poll_interval", p.Interval()).
		Msg("plcrpcd started")
	return g.Wait()
}
