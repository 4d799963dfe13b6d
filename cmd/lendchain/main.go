package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vbonduro/lendchain/internal/config"
	"github.com/vbonduro/lendchain/internal/logging"
)

const programName = "lendchain"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

// commonRun builds the logger for a subcommand. The returned cleanup closes
// the log file, if any.
func commonRun(cfg *config.Config) (*slog.Logger, func()) {
	level := cfg.LogLevel
	if globalFlags.debug {
		level = "debug"
	}
	logger, cleanup, err := logging.New(level, cfg.LogFile, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	return logger.With("program", programName), cleanup
}

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Off-chain ledger reconciled against an on-chain lending contract",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(auditCommand())
	rootCmd.AddCommand(importCommand())

	if err := rootCmd.Execute(); err != nil {
		// cobra has already printed the error
		os.Exit(1)
	}
}
