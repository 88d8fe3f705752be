// Package main starts the room relay and shuts it down gracefully on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/Tyrowin/roomrelay/internal/server"
	"github.com/Tyrowin/roomrelay/internal/telemetry"
)

const serviceName = "roomrelay"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := server.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		logger.Error("parse config", "error", err)
		os.Exit(2)
	}

	shutdownTracing, err := telemetry.Setup(context.Background(), serviceName, cfg.OTelEndpoint)
	if err != nil {
		logger.Error("set up tracing", "error", err)
		os.Exit(1)
	}

	hub := server.NewHub(cfg, logger)
	go hub.Run()
	logger.Info("hub started")

	httpServer := server.CreateServer(cfg.Addr, server.SetupRoutes(hub))
	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Error("HTTP server stopped", "error", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				// Stop accepting upgrades before closing existing connections.
				return errors.Join(
					server.ShutdownServer(ctx, httpServer, logger),
					hub.Shutdown(ctx),
					shutdownTracing(ctx),
				)
			},
		},
	)

	exitCode := <-wait
	logger.Info("relay exited", "code", exitCode)
	os.Exit(exitCode)
}
