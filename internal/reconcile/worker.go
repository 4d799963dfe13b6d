package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vbonduro/lendchain/internal/chain"
	"github.com/vbonduro/lendchain/internal/domain"
)

// confirm polls the receipt of r's transaction until it settles or the
// confirmation deadline passes. It returns without a terminal status only
// when the engine is closing.
func (e *Engine) confirm(r *run) {
	intent := r.snapshot()
	tx := *intent.Tx
	deadline := tx.SubmittedAt.Add(e.cfg.ConfirmationDeadline)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.PollInitial
	b.MaxInterval = e.cfg.PollMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		status, ok := e.poll(r, tx)
		if !ok {
			return
		}
		if status != chain.ReceiptPending {
			e.settle(r, status)
			return
		}

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			break
		}
		wait := b.NextBackOff()
		if wait > remaining {
			wait = remaining
		}
		if !e.sleep(wait) {
			return
		}
	}

	// A missing receipt does not prove the transaction failed; look once more
	// before giving up on it.
	e.logger.Warn("confirmation deadline passed, re-polling once",
		"intent_id", intent.ID,
		"tx_hash", tx.Hash,
		"delay", e.cfg.RepollDelay,
	)
	if !e.sleep(e.cfg.RepollDelay) {
		return
	}
	status, ok := e.poll(r, tx)
	if !ok {
		return
	}
	if status != chain.ReceiptPending {
		e.settle(r, status)
		return
	}

	final := e.finish(r, domain.StatusFailed, fmt.Errorf("%w: no receipt for %s", domain.ErrConfirmationTimeout, tx.Hash))
	if e.cfg.LateWatchWindow > 0 && e.cfg.LateCheckInterval > 0 {
		e.spawn(func() { e.watchLate(final) })
	}
}

// poll asks the gateway for tx's receipt. Transport errors count as no
// receipt yet. It reports false when the engine is closing.
func (e *Engine) poll(r *run, tx domain.TxRecord) (chain.ReceiptStatus, bool) {
	receipt, err := e.gateway.PollReceipt(e.ctx, tx)
	if e.ctx.Err() != nil {
		return chain.ReceiptPending, false
	}
	e.metrics.receiptPolls.Inc()
	if err != nil {
		e.logger.Warn("receipt poll failed", "tx_hash", tx.Hash, "error", err)
		return chain.ReceiptPending, true
	}
	if receipt.Status == chain.ReceiptPending {
		e.markConfirming(r)
	}
	return receipt.Status, true
}

// markConfirming records the first pending observation. Later pending polls
// change nothing.
func (e *Engine) markConfirming(r *run) {
	r.mu.Lock()
	if r.intent.Status != domain.StatusSubmitted {
		r.mu.Unlock()
		return
	}
	r.intent.Status = domain.StatusConfirming
	r.intent.UpdatedAt = e.now()
	r.mu.Unlock()
	e.save(r)
}

func (e *Engine) settle(r *run, status chain.ReceiptStatus) {
	switch status {
	case chain.ReceiptReverted:
		intent := r.snapshot()
		e.finish(r, domain.StatusFailed, fmt.Errorf("%w: %s", domain.ErrReverted, intent.Tx.Hash))
	case chain.ReceiptSuccess:
		e.apply(r)
	}
}

// apply writes the confirmed outcome of r to the ledger. The first attempt
// expects the version read at admission; a lost compare-and-swap re-reads the
// item and retries the mutation only, never the transaction.
func (e *Engine) apply(r *run) {
	intent := r.snapshot()
	ctx := context.WithoutCancel(e.ctx)
	expected := intent.AdmittedVersion

	for attempt := 0; attempt <= e.cfg.LedgerRetries; attempt++ {
		item, version, err := e.items.Get(ctx, intent.ItemID)
		if err != nil {
			e.finish(r, domain.StatusFailed, err)
			return
		}
		if attempt > 0 {
			expected = version
		}
		if err := domain.CheckPrecondition(intent.Kind, item, intent.UserID); err != nil {
			e.finish(r, domain.StatusFailed, err)
			return
		}

		next := domain.ApplyConfirmed(intent.Kind, item, intent.UserID, intent.Tx.Hash)
		if _, err := e.items.CompareAndSwap(ctx, intent.ItemID, expected, next); err != nil {
			if !errors.Is(err, domain.ErrVersionConflict) {
				e.finish(r, domain.StatusFailed, err)
				return
			}
			e.metrics.ledgerConflicts.Inc()
			e.logger.Warn("stale ledger, retrying mutation",
				"intent_id", intent.ID,
				"item_id", intent.ItemID,
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		e.metrics.confirmationTime.Observe(e.now().Sub(intent.Tx.SubmittedAt).Seconds())
		e.finish(r, domain.StatusConfirmed, nil)
		return
	}

	e.finish(r, domain.StatusFailed, fmt.Errorf("%w: item %s changed %d times during reconciliation",
		domain.ErrStaleLedger, intent.ItemID, e.cfg.LedgerRetries+1))
}

// watchLate keeps polling a timed-out transaction for a while. A success is
// an anomaly: it is recorded on the intent but never applied to the ledger.
func (e *Engine) watchLate(intent domain.Intent) {
	logger := e.logger.With("intent_id", intent.ID, "item_id", intent.ItemID, "tx_hash", intent.Tx.Hash)
	until := e.now().Add(e.cfg.LateWatchWindow)

	ticker := time.NewTicker(e.cfg.LateCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		receipt, err := e.gateway.PollReceipt(e.ctx, *intent.Tx)
		if e.ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			logger.Debug("late receipt poll failed", "error", err)
		case receipt.Status == chain.ReceiptSuccess:
			e.metrics.lateReceipts.Inc()
			logger.Error("transaction succeeded after intent failed; ledger not updated",
				"block", receipt.Block,
			)
			if err := e.intents.MarkAnomaly(context.WithoutCancel(e.ctx), intent.ID); err != nil {
				logger.Error("failed to record anomaly", "error", err)
			}
			return
		case receipt.Status == chain.ReceiptReverted:
			return
		}

		if e.now().After(until) {
			logger.Info("late receipt watch expired")
			return
		}
	}
}

// sleep waits for d and reports false if the engine closed meanwhile.
func (e *Engine) sleep(d time.Duration) bool {
	if d <= 0 {
		return e.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
