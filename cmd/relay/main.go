package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"cloak/internal/logs"
	"cloak/relay"
	"cloak/runtime/workers"
)

// Exit codes for the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run owns the full lifecycle so deferred cleanups execute before the
// process exits.
func run() (int, error) {
	// 1. Configuration & logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := logs.GetLoggerFromString(config.LogLevel)

	// 2. Relay core
	server := relay.NewServer(logger, relay.Config{
		MaxConnections:  config.MaxConnections,
		MaxPerOrigin:    config.MaxPerOrigin,
		EventsPerWindow: config.EventsPerWindow,
		RateWindow:      config.RateWindow,
		MaxFrameBytes:   config.MaxFrameBytes,
		MaxChunkBytes:   config.MaxChunkBytes,
		RoomGrace:       config.RoomGrace,
		MinVersion:      config.MinVersion,
		LatestVersion:   config.LatestVersion,
	})

	// 3. Context & signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Supervised background workers
	sup := workers.NewSupervisor(logger)
	sup.Add(workers.NewStatsWorker(logger, server.Stats(), config.StatsInterval))
	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supDone)
	}()

	// 5. HTTP front end
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWS)
	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{Addr: address, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting relay", "address", address, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 6. Wait for stop or error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		return exitRuntime, err
	}

	// 7. Graceful shutdown: stop accepting, drain workers
	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	sup.Stop()
	<-supDone
	logger.Info("Relay stopped cleanly")

	return exitOK, nil
}
