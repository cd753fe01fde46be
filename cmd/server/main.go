// Command server is the trading core's entrypoint. Grounded on the root
// cmd/server/main.go's shape: load config, build a structured logger, wire
// the container, start background work, then block on an OS signal for a
// graceful shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/cryptosentinel/internal/config"
	"github.com/aristath/cryptosentinel/internal/di"
	"github.com/aristath/cryptosentinel/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: os.Getenv("LOG_PRETTY") == "true",
	})

	if cfg.SchedulerEnabled && cfg.AutoExecute {
		if err := cfg.ValidateForLive(); err != nil {
			log.Fatal().Err(err).Msg("refusing to start with auto-execute enabled and missing credentials")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	container, err := di.Build(ctx, cfg, log)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire container")
	}

	container.Start()
	log.Info().Msg("cryptosentinel trading core started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	container.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
