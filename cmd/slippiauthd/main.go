// Command slippiauthd runs the matchmaking authentication proxy: it loads
// a bot roster, spins up one matchmaking worker per identity, and serves
// the WebSocket control plane described in spec.md.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KeganHollern/slippiauth/internal/config"
	"github.com/KeganHollern/slippiauth/internal/events"
	"github.com/KeganHollern/slippiauth/internal/mm"
	"github.com/KeganHollern/slippiauth/internal/pool"
	"github.com/KeganHollern/slippiauth/internal/version"
	"github.com/KeganHollern/slippiauth/internal/wsserver"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.toml", "path to the roster/server config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	versionClient := version.New(cfg.Version.InsecureSkipVerify)

	workers := make([]pool.Worker, len(cfg.Roster))
	for i, identity := range cfg.Roster {
		w := mm.NewWorker(i, identity, cfg.Matchmaking.ServerHost, cfg.Matchmaking.ServerPort, cfg.Version.APIBase, versionClient, bus, logger)
		workers[i] = w
	}

	dispatcher := pool.New(bus, logger, workers)
	logger.Info("worker pool ready", "size", dispatcher.Size())

	server := wsserver.New(cfg.ListenPort, bus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("control-plane server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown timed out waiting for in-flight jobs", "error", err)
	}
}
