// Package main implements the streambus server entry point: a stream
// engine over a pluggable log store, with seeded default streams, named
// processors, and a prometheus scrape endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/streambus/config"
	"github.com/c360/streambus/engine"
	"github.com/c360/streambus/event"
	"github.com/c360/streambus/kafkalog"
	"github.com/c360/streambus/logstore"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/natslog"
)

const (
	version = "0.1.0"
	appName = "streambus"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("streambus failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	validateOnly := flag.Bool("validate", false, "validate configuration and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", appName, version)
		return nil
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if *validateOnly {
		slog.Info("configuration is valid")
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})).With("app", appName)
	slog.SetDefault(logger)

	store, cleanup, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer cleanup()

	metricsRegistry := metric.NewMetricsRegistry()

	bus := event.NewBus(event.WithLogger(logger.With("component", "events")))
	bus.Subscribe(event.MessageProduced, func(name string, payload any) {
		logger.Debug("event", "name", name)
	})

	eng, err := engine.New(engine.Dependencies{
		Store:   store,
		Emitter: bus,
		Logger:  logger,
		Metrics: metricsRegistry,
	}, cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer func() {
		if err := bus.Stop(cfg.ShutdownTimeout); err != nil {
			logger.Warn("event bus stop", "error", err)
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := eng.Stop(cfg.ShutdownTimeout); err != nil {
			logger.Warn("engine stop", "error", err)
		}
	}()

	var metricsServer *metric.Server
	if cfg.Metrics.ServerEnabled {
		metricsServer = metric.NewServer(cfg.Metrics.ServerPort, cfg.Metrics.ServerPath, metricsRegistry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(cfg.ShutdownTimeout); err != nil {
				logger.Warn("metrics server stop", "error", err)
			}
		}()
	}

	logger.Info("streambus running",
		"version", version,
		"backend", cfg.Store.Backend,
		"streams", len(eng.ListStreams()))

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// openStore builds the configured log store backend. The returned cleanup
// closes backend connections and is safe to call once.
func openStore(cfg config.Config, logger *slog.Logger) (logstore.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return logstore.NewMemoryStore(), func() {}, nil

	case config.BackendNATS:
		store, err := natslog.New(cfg.Store.NATS.URL,
			natslog.WithConnectTimeout(cfg.Store.NATS.ConnectTimeout),
			natslog.WithReplicas(cfg.Store.NATS.StreamReplicas),
			natslog.WithClientName(appName),
			natslog.WithLogger(logger.With("component", "natslog")),
		)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case config.BackendKafka:
		store, err := kafkalog.New(cfg.Store.Kafka.Brokers,
			kafkalog.WithClientID(cfg.Store.Kafka.ClientID),
			kafkalog.WithLogger(logger.With("component", "kafkalog")),
		)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
