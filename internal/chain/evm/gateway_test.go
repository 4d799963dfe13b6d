package evm

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/lendchain/internal/chain"
	"github.com/vbonduro/lendchain/internal/domain"
)

type nodeError struct {
	msg  string
	code int
}

func (e nodeError) Error() string  { return e.msg }
func (e nodeError) ErrorCode() int { return e.code }

type fakeBackend struct {
	mu sync.Mutex

	chainID      *big.Int
	pendingNonce uint64
	nonceCalls   int
	estimateErr  error
	sendErrs     []error
	sent         []*types.Transaction
	receipts     map[common.Hash]*types.Receipt
	callResult   []byte

	// lossy makes failed sends still reach the pool, as when only the
	// node's acknowledgement is lost.
	lossy bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(31337),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.pendingNonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			if f.lossy {
				f.accept(tx)
			}
			return err
		}
	}
	f.accept(tx)
	return nil
}

func (f *fakeBackend) accept(tx *types.Transaction) {
	f.sent = append(f.sent, tx)
	if tx.Nonce() >= f.pendingNonce {
		f.pendingNonce = tx.Nonce() + 1
	}
}

func (f *fakeBackend) distinctSent() map[common.Hash]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[common.Hash]uint64)
	for _, tx := range f.sent {
		out[tx.Hash()] = tx.Nonce()
	}
	return out
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callResult, nil
}

var (
	aliceKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	bobKey   = "0x8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

func newTestGateway(t *testing.T, backend *fakeBackend) (*Gateway, *FileKeyring) {
	t.Helper()
	keys, err := NewFileKeyring(map[string]string{"alice": aliceKey, "bob": bobKey})
	require.NoError(t, err)
	g, err := New(context.Background(), backend, contract, keys, WithResend(time.Millisecond, 2))
	require.NoError(t, err)
	return g, keys
}

func TestSubmitSignsAndSends(t *testing.T) {
	backend := newFakeBackend()
	backend.pendingNonce = 5
	g, keys := newTestGateway(t, backend)

	rec, err := g.Submit(context.Background(), chain.Call{Kind: domain.KindLend, ItemID: "drill", From: "bob"})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.Nonce)
	assert.Equal(t, "bob", rec.Account)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, rec.Hash, tx.Hash().Hex())
	assert.Equal(t, contract, *tx.To())
	assert.Equal(t, uint64(60_000), tx.Gas())

	sender, err := types.Sender(types.LatestSignerForChainID(backend.chainID), tx)
	require.NoError(t, err)
	bob, err := keys.Address("bob")
	require.NoError(t, err)
	assert.Equal(t, bob, sender)

	method, err := lendingABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "lend", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, ItemKey("drill"), args[0])
}

func TestSubmitNoncesIncreaseWithoutRefetch(t *testing.T) {
	backend := newFakeBackend()
	backend.pendingNonce = 2
	g, _ := newTestGateway(t, backend)
	ctx := context.Background()

	first, err := g.Submit(ctx, chain.Call{Kind: domain.KindBuy, ItemID: "a", From: "alice"})
	require.NoError(t, err)
	second, err := g.Submit(ctx, chain.Call{Kind: domain.KindBuy, ItemID: "b", From: "alice"})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), first.Nonce)
	assert.Equal(t, uint64(3), second.Nonce)
	assert.Equal(t, 1, backend.nonceCalls)
}

func TestSubmitContractRefusalIsSubmissionError(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = nodeError{msg: "execution reverted: not for sale", code: 3}
	g, _ := newTestGateway(t, backend)

	_, err := g.Submit(context.Background(), chain.Call{Kind: domain.KindBuy, ItemID: "a", From: "alice"})
	assert.ErrorIs(t, err, domain.ErrSubmission)
	assert.Empty(t, backend.sent)
	assert.Zero(t, backend.nonceCalls)
}

func TestSubmitRateLimitIsUnavailable(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = nodeError{msg: "limit exceeded", code: codeLimitExceeded}
	g, _ := newTestGateway(t, backend)

	_, err := g.Submit(context.Background(), chain.Call{Kind: domain.KindBuy, ItemID: "a", From: "alice"})
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
}

func TestSubmitUnknownAccount(t *testing.T) {
	g, _ := newTestGateway(t, newFakeBackend())

	_, err := g.Submit(context.Background(), chain.Call{Kind: domain.KindLend, ItemID: "a", From: "mallory"})
	assert.ErrorIs(t, err, domain.ErrSubmission)
}

func TestSubmitResendsSameTransaction(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrs = []error{errors.New("connection reset by peer"), nil}
	g, _ := newTestGateway(t, backend)

	rec, err := g.Submit(context.Background(), chain.Call{Kind: domain.KindLend, ItemID: "a", From: "bob"})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, rec.Hash, backend.sent[0].Hash().Hex())
}

func TestSubmitAlreadyKnownIsSuccess(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrs = []error{nodeError{msg: "already known", code: -32000}}
	g, _ := newTestGateway(t, backend)

	rec, err := g.Submit(context.Background(), chain.Call{Kind: domain.KindLend, ItemID: "a", From: "bob"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Hash)
}

func TestSubmitUnreachableNodeReseedsNonce(t *testing.T) {
	backend := newFakeBackend()
	down := errors.New("dial tcp: connection refused")
	backend.sendErrs = []error{down, down, down}
	g, _ := newTestGateway(t, backend)
	ctx := context.Background()

	_, err := g.Submit(ctx, chain.Call{Kind: domain.KindLend, ItemID: "a", From: "bob"})
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	rec, err := g.Submit(ctx, chain.Call{Kind: domain.KindLend, ItemID: "a", From: "bob"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.Nonce)
	assert.Equal(t, 2, backend.nonceCalls)
}

func TestSubmitLostAcknowledgementNotResigned(t *testing.T) {
	backend := newFakeBackend()
	backend.lossy = true
	reset := errors.New("connection reset by peer")
	backend.sendErrs = []error{reset, reset, reset}
	g, _ := newTestGateway(t, backend)
	retrying := chain.WithRetry(g, chain.RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxElapsedTime:  100 * time.Millisecond,
	}, nil)

	_, err := retrying.Submit(context.Background(), chain.Call{Kind: domain.KindLend, ItemID: "drill", From: "bob"})
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.ErrorIs(t, err, chain.ErrBroadcastUncertain)

	sent := backend.distinctSent()
	require.Len(t, sent, 1)
	for _, nonce := range sent {
		assert.Equal(t, uint64(0), nonce)
	}
}

func TestSubmitRefusedSendIsNotUncertain(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrs = []error{nodeError{msg: "insufficient funds", code: -32000}}
	g, _ := newTestGateway(t, backend)

	_, err := g.Submit(context.Background(), chain.Call{Kind: domain.KindLend, ItemID: "drill", From: "bob"})
	assert.ErrorIs(t, err, domain.ErrSubmission)
	assert.NotErrorIs(t, err, chain.ErrBroadcastUncertain)
}

func TestPollReceipt(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)
	ctx := context.Background()

	okHash := common.HexToHash("0x01")
	badHash := common.HexToHash("0x02")
	backend.receipts[okHash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(9)}
	backend.receipts[badHash] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(10)}

	r, err := g.PollReceipt(ctx, domain.TxRecord{Hash: okHash.Hex()})
	require.NoError(t, err)
	assert.Equal(t, chain.Receipt{Status: chain.ReceiptSuccess, Block: 9}, r)

	r, err = g.PollReceipt(ctx, domain.TxRecord{Hash: badHash.Hex()})
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptReverted, r.Status)

	r, err = g.PollReceipt(ctx, domain.TxRecord{Hash: common.HexToHash("0x03").Hex()})
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptPending, r.Status)
}

func TestReadCustody(t *testing.T) {
	backend := newFakeBackend()
	g, keys := newTestGateway(t, backend)

	alice, err := keys.Address("alice")
	require.NoError(t, err)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	out, err := lendingABI.Methods["custodyOf"].Outputs.Pack(alice, stranger, true)
	require.NoError(t, err)
	backend.callResult = out

	cust, err := g.ReadCustody(context.Background(), "drill")
	require.NoError(t, err)
	assert.Equal(t, "alice", cust.Owner)
	assert.Equal(t, stranger.Hex(), cust.Holder)
	assert.True(t, cust.ForSale)
}

func TestReadCustodyNotFound(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)

	out, err := lendingABI.Methods["custodyOf"].Outputs.Pack(common.Address{}, common.Address{}, false)
	require.NoError(t, err)
	backend.callResult = out

	_, err = g.ReadCustody(context.Background(), "ghost")
	assert.ErrorIs(t, err, chain.ErrCustodyNotFound)
}

func TestLoadKeyring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	content := "accounts:\n  - user: alice\n    private_key: " + aliceKey + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	keys, err := LoadKeyring(path)
	require.NoError(t, err)

	key, err := crypto.HexToECDSA(aliceKey[2:])
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	addr, err := keys.Address("alice")
	require.NoError(t, err)
	assert.Equal(t, want, addr)

	user, ok := keys.UserFor(want)
	assert.True(t, ok)
	assert.Equal(t, "alice", user)

	_, err = keys.Address("bob")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestNewFileKeyringRejectsBadKey(t *testing.T) {
	_, err := NewFileKeyring(map[string]string{"alice": hexutil.Encode([]byte("short"))})
	assert.Error(t, err)
}
