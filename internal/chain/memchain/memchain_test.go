package memchain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/lendchain/internal/chain"
	"github.com/vbonduro/lendchain/internal/domain"
)

func TestSubmitAndMineLend(t *testing.T) {
	c := New()
	c.Register("x", "u1", false)
	ctx := context.Background()

	tx, err := c.Submit(ctx, chain.Call{Kind: domain.KindLend, ItemID: "x", From: "u2"})
	require.NoError(t, err)
	assert.Equal(t, "u2", tx.Account)
	assert.Equal(t, uint64(0), tx.Nonce)
	assert.NotEmpty(t, tx.Hash)

	r, err := c.PollReceipt(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptPending, r.Status)

	assert.Equal(t, 1, c.Mine())

	r, err = c.PollReceipt(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptSuccess, r.Status)
	assert.Equal(t, uint64(1), r.Block)

	cust, err := c.ReadCustody(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, chain.Custody{Owner: "u1", Holder: "u2"}, cust)
}

func TestSubmitRefusedCallIsSubmissionError(t *testing.T) {
	c := New()
	c.Register("x", "u1", false)

	_, err := c.Submit(context.Background(), chain.Call{Kind: domain.KindBuy, ItemID: "x", From: "u2"})
	assert.ErrorIs(t, err, domain.ErrSubmission)

	_, err = c.Submit(context.Background(), chain.Call{Kind: domain.KindLend, ItemID: "missing", From: "u2"})
	assert.ErrorIs(t, err, domain.ErrSubmission)
}

func TestNoncesIncreasePerAccount(t *testing.T) {
	c := New()
	c.Register("a", "u1", true)
	c.Register("b", "u1", true)
	c.Register("c", "u3", false)
	ctx := context.Background()

	t1, err := c.Submit(ctx, chain.Call{Kind: domain.KindBuy, ItemID: "a", From: "u2"})
	require.NoError(t, err)
	t2, err := c.Submit(ctx, chain.Call{Kind: domain.KindBuy, ItemID: "b", From: "u2"})
	require.NoError(t, err)
	t3, err := c.Submit(ctx, chain.Call{Kind: domain.KindLend, ItemID: "c", From: "u4"})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), t1.Nonce)
	assert.Equal(t, uint64(1), t2.Nonce)
	assert.Equal(t, uint64(0), t3.Nonce)
	assert.NotEqual(t, t1.Hash, t2.Hash)
}

func TestConflictingTransactionReverts(t *testing.T) {
	c := New()
	c.Register("x", "u1", false)
	ctx := context.Background()

	// Both pass estimation against the same state; only the first mined wins.
	first, err := c.Submit(ctx, chain.Call{Kind: domain.KindLend, ItemID: "x", From: "u2"})
	require.NoError(t, err)
	second, err := c.Submit(ctx, chain.Call{Kind: domain.KindLend, ItemID: "x", From: "u3"})
	require.NoError(t, err)

	assert.Equal(t, 2, c.Mine())

	r1, err := c.PollReceipt(ctx, first)
	require.NoError(t, err)
	r2, err := c.PollReceipt(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptSuccess, r1.Status)
	assert.Equal(t, chain.ReceiptReverted, r2.Status)
}

func TestConfirmAfterPolls(t *testing.T) {
	c := New(WithConfirmAfter(3))
	c.Register("x", "u1", true)
	ctx := context.Background()

	tx, err := c.Submit(ctx, chain.Call{Kind: domain.KindBuy, ItemID: "x", From: "u2"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		r, err := c.PollReceipt(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, chain.ReceiptPending, r.Status)
	}
	r, err := c.PollReceipt(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptSuccess, r.Status)
	assert.Zero(t, c.Pending())

	cust, err := c.ReadCustody(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, chain.Custody{Owner: "u2", Holder: "u2", ForSale: false}, cust)
}

func TestReadCustodyNotFound(t *testing.T) {
	_, err := New().ReadCustody(context.Background(), "x")
	assert.ErrorIs(t, err, chain.ErrCustodyNotFound)
}

func TestUnknownTransactionIsPending(t *testing.T) {
	r, err := New().PollReceipt(context.Background(), domain.TxRecord{Hash: "0xdead"})
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptPending, r.Status)
}
