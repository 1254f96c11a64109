package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/BTCDecoded/governance-app/internal/config"
	"github.com/BTCDecoded/governance-app/internal/logging"
)

const programName = "governance-gatekeeper"

var globalFlags = struct {
	configPath string
	debug      bool
}{}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Merge gatekeeper for governed repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().
		StringVar(&globalFlags.configPath, "config", "configs/gatekeeper.yaml", "path to gatekeeper config")
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(auditCommand())
	rootCmd.AddCommand(registryCommand())
	rootCmd.AddCommand(signCommand())
	rootCmd.AddCommand(messageCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalFlags.configPath)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	if globalFlags.debug {
		return logging.NewJSONLoggerWithLevel(slog.LevelDebug)
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	return logging.NewJSONLoggerWithLevel(level)
}
