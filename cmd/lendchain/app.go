package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vbonduro/lendchain/internal/audit"
	"github.com/vbonduro/lendchain/internal/chain"
	"github.com/vbonduro/lendchain/internal/chain/evm"
	"github.com/vbonduro/lendchain/internal/chain/memchain"
	"github.com/vbonduro/lendchain/internal/config"
	"github.com/vbonduro/lendchain/internal/db"
	"github.com/vbonduro/lendchain/internal/notify"
	"github.com/vbonduro/lendchain/internal/reconcile"
	"github.com/vbonduro/lendchain/internal/service"
	"github.com/vbonduro/lendchain/internal/store"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	database *sql.DB
	items    *store.ItemStore
	intents  *store.IntentStore
	gateway  chain.Gateway
	registry *prometheus.Registry
	mem      *memchain.Chain
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		database: database,
		items:    store.NewItemStore(database),
		intents:  store.NewIntentStore(database),
		registry: prometheus.NewRegistry(),
	}
	a.closers = append(a.closers, func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	})
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gateway, err := a.newGateway(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.gateway = chain.WithRetry(gateway, chain.RetryConfig{MaxElapsedTime: cfg.GatewayRetryMax}, logger)
	return a, nil
}

func (a *app) newGateway(ctx context.Context) (chain.Gateway, error) {
	switch a.cfg.ChainBackend {
	case config.ChainEVM:
		keys, err := evm.LoadKeyring(a.cfg.KeyringPath)
		if err != nil {
			return nil, err
		}
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		g, err := evm.Dial(dialCtx, a.cfg.RPCURL, a.cfg.ContractAddress, keys,
			evm.WithResend(a.cfg.ResendInterval, uint64(max(a.cfg.ResendAttempts, 0))),
			evm.WithLogger(a.logger),
		)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		a.logger.Info("using evm chain backend", "rpc_url", a.cfg.RPCURL, "contract", a.cfg.ContractAddress)
		return g, nil
	default:
		a.mem = memchain.New(memchain.WithConfirmAfter(a.cfg.MemConfirmAfter))
		// The memory chain does not outlive the process; mint every ledger
		// item so that custody starts out in agreement.
		items, err := a.items.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to seed memory chain: %w", err)
		}
		for _, item := range items {
			a.mem.Register(item.ID, item.Owner, item.ForSale)
		}
		a.logger.Info("using memory chain backend", "items", len(items))
		return a.mem, nil
	}
}

func (a *app) newEngine() *reconcile.Engine {
	var sink notify.Sink = notify.NewLogSink(a.logger)
	if a.cfg.WebhookURL != "" {
		sink = notify.Multi(sink, notify.NewWebhook(a.cfg.WebhookURL, a.cfg.WebhookTimeout, 30*time.Second))
	}
	return reconcile.New(reconcile.Config{
		ConfirmationDeadline: a.cfg.ConfirmationDeadline,
		PollInitial:          a.cfg.PollInitial,
		PollMax:              a.cfg.PollMax,
		RepollDelay:          a.cfg.RepollDelay,
		LedgerRetries:        a.cfg.LedgerRetries,
		LateWatchWindow:      a.cfg.LateWatchWindow,
		LateCheckInterval:    a.cfg.LateCheckInterval,
	}, a.items, a.intents, a.gateway, sink,
		reconcile.WithLogger(a.logger),
		reconcile.WithRegistry(a.registry),
	)
}

func (a *app) newAuditor(opts ...audit.Option) *audit.Auditor {
	opts = append([]audit.Option{
		audit.WithConcurrency(a.cfg.AuditConcurrency),
		audit.WithLogger(a.logger),
	}, opts...)
	return audit.New(a.items, a.gateway, a.registry, opts...)
}

func (a *app) newService(engine *reconcile.Engine) *service.LendingService {
	return service.NewLendingService(engine, a.items, a.intents, a.logger)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
