package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vbonduro/lendchain/internal/config"
)

func importRun(cmd *cobra.Command, cfg *config.Config, path string) error {
	logger, cleanup := commonRun(cfg)
	defer cleanup()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open items file: %w", err)
	}
	defer func() { _ = f.Close() }()

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// Registration only touches the ledger, so the engine is never started.
	svc := a.newService(nil)
	result, err := svc.ImportItems(cmd.Context(), f, nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, item := range result.Registered {
		fmt.Fprintf(out, "registered %s (owner %s)\n", item.ID, item.Owner)
	}
	for _, id := range result.Existing {
		fmt.Fprintf(out, "skipped %s: already registered\n", id)
	}
	return nil
}

func importCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <items.yaml>",
		Short: "Register items listed in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return fmt.Errorf("no config found in context")
			}
			return importRun(cmd, cfg, args[0])
		},
	}
}
