// Package memchain is an in-process stand-in for the lending contract. It
// enforces the same custody rules as the contract and mines transactions
// either on demand or after a fixed number of receipt polls.
package memchain

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vbonduro/lendchain/internal/chain"
	"github.com/vbonduro/lendchain/internal/domain"
)

type tx struct {
	call   chain.Call
	polls  int
	mined  bool
	status chain.ReceiptStatus
	block  uint64
}

// Chain implements chain.Gateway in memory.
type Chain struct {
	mu      sync.Mutex
	custody map[string]chain.Custody
	nonces  map[string]uint64
	txs     map[string]*tx
	order   []string
	block   uint64

	confirmAfter int
	now          func() time.Time
}

type Option func(*Chain)

// WithConfirmAfter mines a transaction once it has been polled n times.
// Zero leaves mining to explicit Mine calls.
func WithConfirmAfter(n int) Option {
	return func(c *Chain) { c.confirmAfter = n }
}

func New(opts ...Option) *Chain {
	c := &Chain{
		custody: make(map[string]chain.Custody),
		nonces:  make(map[string]uint64),
		txs:     make(map[string]*tx),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register mints an item owned and held by owner.
func (c *Chain) Register(itemID, owner string, forSale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custody[itemID] = chain.Custody{Owner: owner, Holder: owner, ForSale: forSale}
}

func (c *Chain) Submit(ctx context.Context, call chain.Call) (domain.TxRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.TxRecord{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Mirrors gas estimation on a real node: a call the contract would refuse
	// is rejected before a nonce is consumed.
	if err := c.check(call); err != nil {
		return domain.TxRecord{}, fmt.Errorf("%w: %v", domain.ErrSubmission, err)
	}

	nonce := c.nonces[call.From]
	c.nonces[call.From] = nonce + 1

	hash := crypto.Keccak256Hash(
		[]byte(call.From),
		[]byte(strconv.FormatUint(nonce, 10)),
		[]byte(call.Kind),
		[]byte(call.ItemID),
	).Hex()
	c.txs[hash] = &tx{call: call}
	c.order = append(c.order, hash)

	return domain.TxRecord{
		Hash:        hash,
		Account:     call.From,
		Nonce:       nonce,
		SubmittedAt: c.now(),
	}, nil
}

func (c *Chain) PollReceipt(ctx context.Context, rec domain.TxRecord) (chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return chain.Receipt{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.txs[rec.Hash]
	if !ok {
		return chain.Receipt{Status: chain.ReceiptPending}, nil
	}
	if !t.mined {
		t.polls++
		if c.confirmAfter > 0 && t.polls >= c.confirmAfter {
			c.mine(rec.Hash)
		}
	}
	if !t.mined {
		return chain.Receipt{Status: chain.ReceiptPending}, nil
	}
	return chain.Receipt{Status: t.status, Block: t.block}, nil
}

func (c *Chain) ReadCustody(ctx context.Context, itemID string) (chain.Custody, error) {
	if err := ctx.Err(); err != nil {
		return chain.Custody{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cust, ok := c.custody[itemID]
	if !ok {
		return chain.Custody{}, fmt.Errorf("%w: %s", chain.ErrCustodyNotFound, itemID)
	}
	return cust, nil
}

// Mine includes every pending transaction in a new block, in submission
// order, and returns how many were mined.
func (c *Chain) Mine() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, hash := range c.order {
		if !c.txs[hash].mined {
			c.mine(hash)
			n++
		}
	}
	return n
}

// Pending returns the number of transactions not yet mined.
func (c *Chain) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.txs {
		if !t.mined {
			n++
		}
	}
	return n
}

// mine executes the transaction against current contract state. A call whose
// precondition no longer holds reverts. Callers must hold c.mu.
func (c *Chain) mine(hash string) {
	t := c.txs[hash]
	c.block++
	t.mined = true
	t.block = c.block

	if err := c.check(t.call); err != nil {
		t.status = chain.ReceiptReverted
		return
	}
	cust := c.custody[t.call.ItemID]
	next := domain.ApplyConfirmed(t.call.Kind, asItem(t.call.ItemID, cust), t.call.From, hash)
	c.custody[t.call.ItemID] = chain.Custody{Owner: next.Owner, Holder: next.Holder, ForSale: next.ForSale}
	t.status = chain.ReceiptSuccess
}

func (c *Chain) check(call chain.Call) error {
	cust, ok := c.custody[call.ItemID]
	if !ok {
		return fmt.Errorf("unknown item %s", call.ItemID)
	}
	return domain.CheckPrecondition(call.Kind, asItem(call.ItemID, cust), call.From)
}

func asItem(id string, cust chain.Custody) domain.Item {
	return domain.Item{ID: id, Owner: cust.Owner, Holder: cust.Holder, ForSale: cust.ForSale}
}
