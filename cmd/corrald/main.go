// Package main is the entry point for the corrald worker daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/corralhq/corral/internal/agents"
	"github.com/corralhq/corral/internal/broker"
	"github.com/corralhq/corral/internal/common/config"
	"github.com/corralhq/corral/internal/common/logger"
	"github.com/corralhq/corral/internal/common/tracing"
	"github.com/corralhq/corral/internal/manager"
	"github.com/corralhq/corral/internal/runtime"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting corrald...")

	// 3. Initialize tracing
	tracing.Init(cfg.Tracing)

	// 4. Create context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 5. Connect to the broker
	b, err := broker.NewRedisBroker(cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to connect to broker", zap.Error(err))
	}
	defer b.Close()
	if err := b.Ping(ctx); err != nil {
		log.Fatal("Broker unreachable", zap.Error(err))
	}
	log.Info("Connected to broker")

	// 6. Connect to the container runtime
	rt, err := runtime.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create container runtime client", zap.Error(err))
	}
	defer rt.Close()

	// 7. Create the worker manager and adopt surviving containers
	reg := agents.DefaultRegistry()
	mgr := manager.NewManager(rt, b, reg, cfg, log)
	if err := mgr.Start(ctx); err != nil {
		log.Fatal("Failed to start worker manager", zap.Error(err))
	}

	// 8. Run consumer, crash listener, activity monitor, reaper, and ops API
	g, gctx := errgroup.WithContext(ctx)

	// A stable consumer name: commands left pending by a crashed run are
	// replayed when the same instance comes back.
	instance := "corrald-" + uuid.New().String()[:8]
	if host, err := os.Hostname(); err == nil && host != "" {
		instance = "corrald-" + host
	}

	consumer := manager.NewConsumer(mgr, instance)
	g.Go(func() error { return consumer.Run(gctx) })

	listener := manager.NewCrashListener(rt, mgr)
	g.Go(func() error { return listener.Run(gctx) })

	activity := manager.NewActivityMonitor(mgr, instance)
	g.Go(func() error { return activity.Run(gctx) })

	reaper := manager.NewReaper(mgr)
	g.Go(func() error { return reaper.Run(gctx) })

	api := manager.NewAPIServer(mgr, cfg.Server, log)
	g.Go(func() error { return api.Run(gctx) })

	log.Info("corrald started")

	// 9. Wait for shutdown, then sweep containers nothing tracks
	if err := g.Wait(); err != nil {
		log.Error("corrald exiting with error", zap.Error(err))
	}

	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), cfg.Manager.DrainTimeout())
	if err := mgr.SweepOrphans(sweepCtx); err != nil {
		log.Warn("shutdown orphan sweep failed", zap.Error(err))
	}
	cancelSweep()

	// 10. Flush traces within the drain budget
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("corrald stopped")
}
