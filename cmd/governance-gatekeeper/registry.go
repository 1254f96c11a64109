package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BTCDecoded/governance-app/internal/app"
	"github.com/BTCDecoded/governance-app/internal/registry"
)

func registryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Manage the maintainer and economic node registry",
	}
	cmd.AddCommand(registryImportCommand())
	return cmd
}

// registryImportCommand replaces the database registry with the contents of
// a YAML file. Keys are validated against the configured algorithm first.
func registryImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <registry.yaml>",
		Short: "Load a registry file into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			verifier, err := app.Verifier(cfg)
			if err != nil {
				return err
			}
			snap, err := registry.LoadFile(args[0], verifier)
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			maintainers, nodes := snap.Maintainers(), snap.Nodes()
			if err := store.ReplaceRegistry(cmd.Context(), maintainers, nodes); err != nil {
				return fmt.Errorf("replace registry: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d maintainers and %d economic nodes\n", len(maintainers), len(nodes))
			return nil
		},
	}
}
