package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/lendchain/internal/domain"
)

func newIntent(id, itemID, userID string, at time.Time) domain.Intent {
	return domain.Intent{
		ID:              id,
		ItemID:          itemID,
		Kind:            domain.KindLend,
		UserID:          userID,
		Status:          domain.StatusPending,
		AdmittedVersion: 1,
		SubmittedAt:     at,
		UpdatedAt:       at,
	}
}

func TestIntentStoreCreateAndGet(t *testing.T) {
	intents := NewIntentStore(openTestDB(t))
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, intents.Create(ctx, newIntent("i1", "drill", "bob", at)))

	got, err := intents.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "drill", got.ItemID)
	assert.Equal(t, domain.KindLend, got.Kind)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, uint64(1), got.AdmittedVersion)
	assert.Nil(t, got.Tx)
	assert.True(t, at.Equal(got.SubmittedAt))
}

func TestIntentStoreGetNotFound(t *testing.T) {
	intents := NewIntentStore(openTestDB(t))

	_, err := intents.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}

func TestIntentStoreUpdateWithTx(t *testing.T) {
	intents := NewIntentStore(openTestDB(t))
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	intent := newIntent("i1", "drill", "bob", at)
	require.NoError(t, intents.Create(ctx, intent))

	intent.Status = domain.StatusFailed
	intent.Reason = domain.ReasonReverted
	intent.Tx = &domain.TxRecord{Hash: "0xfeed", Account: "bob", Nonce: 7, SubmittedAt: at}
	intent.UpdatedAt = at.Add(time.Second)
	require.NoError(t, intents.Update(ctx, intent))

	got, err := intents.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ReasonReverted, got.Reason)
	require.NotNil(t, got.Tx)
	assert.Equal(t, "0xfeed", got.Tx.Hash)
	assert.Equal(t, "bob", got.Tx.Account)
	assert.Equal(t, uint64(7), got.Tx.Nonce)
}

func TestIntentStoreUpdateMissing(t *testing.T) {
	intents := NewIntentStore(openTestDB(t))

	err := intents.Update(context.Background(), newIntent("ghost", "x", "u", time.Now()))
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}

func TestIntentStoreListOpen(t *testing.T) {
	intents := NewIntentStore(openTestDB(t))
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	statuses := []domain.IntentStatus{
		domain.StatusPending, domain.StatusSubmitted, domain.StatusConfirming,
		domain.StatusConfirmed, domain.StatusFailed, domain.StatusRejected,
	}
	for i, status := range statuses {
		intent := newIntent(string(status), "item", "u", base.Add(time.Duration(i)*time.Second))
		intent.Status = status
		require.NoError(t, intents.Create(ctx, intent))
	}

	open, err := intents.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, domain.StatusPending, open[0].Status)
	assert.Equal(t, domain.StatusSubmitted, open[1].Status)
	assert.Equal(t, domain.StatusConfirming, open[2].Status)
}

func TestIntentStoreListByItemAndUser(t *testing.T) {
	intents := NewIntentStore(openTestDB(t))
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, intents.Create(ctx, newIntent("a", "drill", "bob", base)))
	require.NoError(t, intents.Create(ctx, newIntent("b", "drill", "carol", base.Add(time.Second))))
	require.NoError(t, intents.Create(ctx, newIntent("c", "saw", "bob", base.Add(2*time.Second))))

	byItem, err := intents.ListByItem(ctx, "drill", 10)
	require.NoError(t, err)
	require.Len(t, byItem, 2)
	assert.Equal(t, "b", byItem[0].ID, "newest first")

	byUser, err := intents.ListByUser(ctx, "bob", 1)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "c", byUser[0].ID)
}

func TestIntentStoreMarkAnomaly(t *testing.T) {
	intents := NewIntentStore(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, intents.Create(ctx, newIntent("i1", "drill", "bob", time.Now())))
	require.NoError(t, intents.MarkAnomaly(ctx, "i1"))

	got, err := intents.Get(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, got.Anomaly)

	assert.ErrorIs(t, intents.MarkAnomaly(ctx, "missing"), domain.ErrIntentNotFound)
}
