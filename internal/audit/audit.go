// Package audit compares the off-chain item ledger with custody on chain.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/vbonduro/lendchain/internal/chain"
	"github.com/vbonduro/lendchain/internal/domain"
)

// Ledger is the read side of the item ledger the auditor needs.
type Ledger interface {
	List(ctx context.Context) ([]domain.Item, error)
	Get(ctx context.Context, id string) (domain.Item, uint64, error)
}

// Mismatch describes an item whose ledger custody differs from the chain.
type Mismatch struct {
	ItemID string
	Ledger chain.Custody
	Chain  chain.Custody
	// MissingOnChain is set when the contract does not know the item.
	MissingOnChain bool
}

type Report struct {
	Checked    int
	Skipped    []string
	Mismatches []Mismatch
}

// Consistent reports whether no mismatch was found.
func (r Report) Consistent() bool {
	return len(r.Mismatches) == 0
}

type Auditor struct {
	items       Ledger
	gateway     chain.Gateway
	busy        func(itemID string) bool
	concurrency int
	logger      *slog.Logger

	runs       prometheus.Counter
	mismatches prometheus.Gauge
}

type Option func(*Auditor)

// WithBusy skips items for which busy reports an intent in flight, since
// their ledger is expected to lag the chain.
func WithBusy(busy func(itemID string) bool) Option {
	return func(a *Auditor) { a.busy = busy }
}

func WithConcurrency(n int) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Auditor) { a.logger = logger }
}

func New(items Ledger, gateway chain.Gateway, reg prometheus.Registerer, opts ...Option) *Auditor {
	factory := promauto.With(reg)
	a := &Auditor{
		items:       items,
		gateway:     gateway,
		busy:        func(string) bool { return false },
		concurrency: 8,
		logger:      slog.Default(),
		runs: factory.NewCounter(prometheus.CounterOpts{
			Name: "lendchain_audit_runs_total",
			Help: "Completed ledger audits",
		}),
		mismatches: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lendchain_audit_mismatches",
			Help: "Items whose ledger custody differed from the chain in the last audit",
		}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "audit")
	return a
}

// Run reads the custody of every ledger item from the chain. Any read error
// other than an unknown item aborts the whole audit.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	items, err := a.items.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list items: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for _, item := range items {
		if a.busy(item.ID) {
			report.Skipped = append(report.Skipped, item.ID)
			continue
		}
		g.Go(func() error {
			m, res, err := a.check(gctx, item)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case skipped:
				report.Skipped = append(report.Skipped, item.ID)
			case mismatched:
				report.Checked++
				report.Mismatches = append(report.Mismatches, m)
			default:
				report.Checked++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	sort.Strings(report.Skipped)
	sort.Slice(report.Mismatches, func(i, j int) bool {
		return report.Mismatches[i].ItemID < report.Mismatches[j].ItemID
	})
	a.runs.Inc()
	a.mismatches.Set(float64(len(report.Mismatches)))

	for _, m := range report.Mismatches {
		a.logger.Warn("ledger disagrees with chain",
			"item_id", m.ItemID,
			"ledger_owner", m.Ledger.Owner,
			"ledger_holder", m.Ledger.Holder,
			"chain_owner", m.Chain.Owner,
			"chain_holder", m.Chain.Holder,
			"missing_on_chain", m.MissingOnChain,
		)
	}
	a.logger.Info("audit finished",
		"checked", report.Checked,
		"skipped", len(report.Skipped),
		"mismatches", len(report.Mismatches),
	)
	return report, nil
}

type result int

const (
	matched result = iota
	mismatched
	skipped
)

// check compares item with the chain. A mismatch is confirmed before it is
// reported: the item may have become busy, or an intent may have finished
// after the ledger was listed, in which case the fresh ledger row is compared
// once more.
func (a *Auditor) check(ctx context.Context, item domain.Item) (Mismatch, result, error) {
	m, ok, err := a.compare(ctx, item)
	if err != nil || ok {
		return m, matched, err
	}
	if a.busy(item.ID) {
		return Mismatch{}, skipped, nil
	}

	fresh, version, err := a.items.Get(ctx, item.ID)
	if err != nil {
		return Mismatch{}, matched, fmt.Errorf("failed to re-read %s: %w", item.ID, err)
	}
	if version == item.Version {
		return m, mismatched, nil
	}
	a.logger.Debug("ledger moved during audit", "item_id", item.ID, "version", version)

	m, ok, err = a.compare(ctx, fresh)
	if err != nil || ok {
		return m, matched, err
	}
	return m, mismatched, nil
}

func (a *Auditor) compare(ctx context.Context, item domain.Item) (Mismatch, bool, error) {
	ledger := chain.Custody{Owner: item.Owner, Holder: item.Holder, ForSale: item.ForSale}

	onChain, err := a.gateway.ReadCustody(ctx, item.ID)
	if errors.Is(err, chain.ErrCustodyNotFound) {
		return Mismatch{ItemID: item.ID, Ledger: ledger, MissingOnChain: true}, false, nil
	}
	if err != nil {
		return Mismatch{}, false, fmt.Errorf("failed to read custody of %s: %w", item.ID, err)
	}
	if onChain != ledger {
		return Mismatch{ItemID: item.ID, Ledger: ledger, Chain: onChain}, false, nil
	}
	return Mismatch{}, true, nil
}
