// Package main is the in-container wrapper entrypoint. Exit codes: 0 on
// clean shutdown, 1 on configuration errors, 2 when the broker is lost.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/corralhq/corral/internal/agents"
	"github.com/corralhq/corral/internal/broker"
	"github.com/corralhq/corral/internal/common/config"
	"github.com/corralhq/corral/internal/common/logger"
	"github.com/corralhq/corral/internal/wrapper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Read the environment contract
	cfg, err := wrapper.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid wrapper configuration: %v\n", err)
		return 1
	}

	// 2. Initialize logger (json: wrapper output lands in container logs)
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "info",
		Format:     "json",
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	// 3. Create context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Connect to the broker. A rejected URL is a configuration error;
	// losing an established connection later exits 2 via ErrBrokerLost.
	b, err := broker.NewRedisBroker(config.RedisConfig{URL: cfg.RedisURL}, log)
	if err != nil {
		log.Error("Invalid broker configuration", zap.Error(err))
		return 1
	}
	defer b.Close()

	// 5. Build the wrapper for this worker's agent family
	w, err := wrapper.New(cfg, b, agents.DefaultRegistry(), log)
	if err != nil {
		log.Error("Failed to initialize wrapper", zap.Error(err))
		return 1
	}

	// 6. Consume tasks until shutdown
	if err := w.Run(ctx); err != nil {
		if errors.Is(err, wrapper.ErrBrokerLost) {
			log.Error("Broker connection lost", zap.Error(err))
			return 2
		}
		log.Error("Wrapper failed", zap.Error(err))
		return 1
	}

	log.Info("Wrapper stopped")
	return 0
}
