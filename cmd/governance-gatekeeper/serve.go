package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTCDecoded/governance-app/internal/app"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook intake and admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			application, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error("startup failed", slog.String("error", err.Error()))
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("gatekeeper listening",
					slog.String("addr", cfg.Server.Listen),
					slog.Bool("dry_run", cfg.Governance.DryRun),
					slog.Bool("read_only", application.Gatekeeper.ReadOnly()),
				)
				if err := application.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("shutdown signal received", slog.String("signal", sig.String()))
			case err := <-errCh:
				logger.Error("server stopped unexpectedly", slog.String("error", err.Error()))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
			defer cancel()
			if err := application.Shutdown(shutdownCtx); err != nil {
				logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}
