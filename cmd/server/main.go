// Package main is the entry point of the fleet server. It executes order
// batches across brokerage accounts and streams per-account P&L to
// connected clients.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata" // session reset zone on hosts without zoneinfo

	"github.com/aristath/fleet/internal/config"
	"github.com/aristath/fleet/internal/di"
	"github.com/aristath/fleet/internal/server"
	"github.com/aristath/fleet/pkg/logger"
)

// main wires the container, starts the HTTP server, the P&L publisher and
// the scheduler, then waits for a shutdown signal.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("gateway", cfg.Gateway.Mode).Msg("Starting fleet")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		DevMode:   cfg.DevMode,
		Container: container,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		container.Publisher.Run(ctx)
	}()

	container.Scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	cancel()
	<-publisherDone
	container.Scheduler.Stop()
	container.Recorder.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
