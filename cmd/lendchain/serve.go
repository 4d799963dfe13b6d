package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vbonduro/lendchain/internal/audit"
	"github.com/vbonduro/lendchain/internal/config"
	"github.com/vbonduro/lendchain/internal/web"
)

func serveRun(cmd *cobra.Command, cfg *config.Config) error {
	logger, cleanup := commonRun(cfg)
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}
	defer a.close()

	engine := a.newEngine()
	defer engine.Close()

	resumed, err := engine.Resume(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume intents: %w", err)
	}
	if resumed > 0 {
		logger.Info("resumed in-flight intents", "count", resumed)
	}

	server := web.NewServer(a.newService(engine), a.registry, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.ListenAddr)
	})
	if cfg.AuditOnStart {
		auditor := a.newAuditor(audit.WithBusy(engine.Busy))
		g.Go(func() error {
			// A failed audit is reported but does not stop the server.
			if _, err := auditor.Run(gctx); err != nil && gctx.Err() == nil {
				logger.Error("startup audit failed", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("server error", "error", err)
		return err
	}
	logger.Info("shut down", "in_flight", engine.InFlight())
	return nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return fmt.Errorf("no config found in context")
			}
			return serveRun(cmd, cfg)
		},
	}
}
