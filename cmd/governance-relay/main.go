package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTCDecoded/governance-app/internal/app"
	"github.com/BTCDecoded/governance-app/internal/config"
	"github.com/BTCDecoded/governance-app/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/gatekeeper.yaml", "path to gatekeeper config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.NewJSONLoggerWithLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay, err := app.BuildRelay(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build status relay", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("status relay started",
		slog.Int("batch_size", cfg.Status.BatchSize),
		slog.Int("max_attempts", cfg.Status.MaxAttempts),
		slog.Duration("poll_interval", relay.PollInterval),
	)
	if err := relay.Run(ctx); err != nil {
		logger.Error("status relay stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("status relay stopped")
}
