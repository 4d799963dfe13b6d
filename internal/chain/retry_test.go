package chain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/lendchain/internal/domain"
)

type flakyGateway struct {
	failures int
	err      error
	calls    int
}

func (f *flakyGateway) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyGateway) Submit(_ context.Context, call Call) (domain.TxRecord, error) {
	if err := f.fail(); err != nil {
		return domain.TxRecord{}, err
	}
	return domain.TxRecord{Hash: "0x1", Account: call.From}, nil
}

func (f *flakyGateway) PollReceipt(_ context.Context, _ domain.TxRecord) (Receipt, error) {
	if err := f.fail(); err != nil {
		return Receipt{}, err
	}
	return Receipt{Status: ReceiptSuccess, Block: 3}, nil
}

func (f *flakyGateway) ReadCustody(_ context.Context, _ string) (Custody, error) {
	if err := f.fail(); err != nil {
		return Custody{}, err
	}
	return Custody{Owner: "u1", Holder: "u1"}, nil
}

var fastRetry = RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	MaxElapsedTime:  200 * time.Millisecond,
}

func TestWithRetryRecoversFromUnavailable(t *testing.T) {
	inner := &flakyGateway{failures: 2, err: fmt.Errorf("%w: connection refused", domain.ErrGatewayUnavailable)}
	g := WithRetry(inner, fastRetry, nil)

	tx, err := g.Submit(context.Background(), Call{Kind: domain.KindLend, ItemID: "x", From: "u2"})
	require.NoError(t, err)
	assert.Equal(t, "0x1", tx.Hash)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetryDoesNotRetrySubmissionError(t *testing.T) {
	inner := &flakyGateway{failures: 5, err: fmt.Errorf("%w: not for sale", domain.ErrSubmission)}
	g := WithRetry(inner, fastRetry, nil)

	_, err := g.Submit(context.Background(), Call{Kind: domain.KindBuy, ItemID: "x", From: "u2"})
	assert.ErrorIs(t, err, domain.ErrSubmission)
	assert.Equal(t, 1, inner.calls)
}

func TestWithRetryDoesNotResubmitUncertainBroadcast(t *testing.T) {
	inner := &flakyGateway{
		failures: 5,
		err:      fmt.Errorf("%w: %w: connection reset", ErrBroadcastUncertain, domain.ErrGatewayUnavailable),
	}
	g := WithRetry(inner, fastRetry, nil)

	_, err := g.Submit(context.Background(), Call{Kind: domain.KindLend, ItemID: "x", From: "u2"})
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.ErrorIs(t, err, ErrBroadcastUncertain)
	assert.Equal(t, 1, inner.calls)
}

func TestWithRetryExhausted(t *testing.T) {
	inner := &flakyGateway{failures: 1 << 20, err: fmt.Errorf("%w: timeout", domain.ErrGatewayUnavailable)}
	g := WithRetry(inner, RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxElapsedTime:  20 * time.Millisecond,
	}, nil)

	_, err := g.PollReceipt(context.Background(), domain.TxRecord{Hash: "0x1"})
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Greater(t, inner.calls, 1)
}

func TestWithRetryStopsOnContextCancel(t *testing.T) {
	inner := &flakyGateway{failures: 1 << 20, err: domain.ErrGatewayUnavailable}
	g := WithRetry(inner, RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxElapsedTime:  time.Minute,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.ReadCustody(ctx, "x")
	assert.Error(t, err)
	assert.LessOrEqual(t, inner.calls, 1)
}

func TestReceiptStatusString(t *testing.T) {
	assert.Equal(t, "pending", ReceiptPending.String())
	assert.Equal(t, "success", ReceiptSuccess.String())
	assert.Equal(t, "reverted", ReceiptReverted.String())
}
