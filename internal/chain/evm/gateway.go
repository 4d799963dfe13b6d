// Package evm implements chain.Gateway against an EVM lending contract over
// JSON-RPC.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vbonduro/lendchain/internal/chain"
	"github.com/vbonduro/lendchain/internal/domain"
)

// Backend is the part of *ethclient.Client the gateway uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// JSON-RPC error code nodes use for rate limiting; it is transient.
const codeLimitExceeded = -32005

type Gateway struct {
	backend  Backend
	contract common.Address
	keys     Keyring
	chainID  *big.Int
	nonces   *nonceManager
	logger   *slog.Logger
	now      func() time.Time

	resendInterval time.Duration
	resendAttempts uint64
}

type Option func(*Gateway)

// WithResend controls how often a signed transaction is re-broadcast when the
// node cannot be reached.
func WithResend(interval time.Duration, attempts uint64) Option {
	return func(g *Gateway) {
		g.resendInterval = interval
		g.resendAttempts = attempts
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// Dial connects to rpcURL and returns a gateway for the contract at
// contractAddr.
func Dial(ctx context.Context, rpcURL, contractAddr string, keys Keyring, opts ...Option) (*Gateway, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddr)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	g, err := New(ctx, client, common.HexToAddress(contractAddr), keys, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	return g, nil
}

func New(ctx context.Context, backend Backend, contract common.Address, keys Keyring, opts ...Option) (*Gateway, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	g := &Gateway{
		backend:        backend,
		contract:       contract,
		keys:           keys,
		chainID:        chainID,
		nonces:         newNonceManager(backend.PendingNonceAt),
		logger:         slog.Default(),
		now:            time.Now,
		resendInterval: 500 * time.Millisecond,
		resendAttempts: 3,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "evm_gateway", "chain_id", chainID.String())
	return g, nil
}

// Close releases the underlying RPC connection, if any.
func (g *Gateway) Close() {
	if c, ok := g.backend.(interface{ Close() }); ok {
		c.Close()
	}
}

func (g *Gateway) Submit(ctx context.Context, call chain.Call) (domain.TxRecord, error) {
	method, err := methodFor(call.Kind)
	if err != nil {
		return domain.TxRecord{}, err
	}
	from, err := g.keys.Address(call.From)
	if err != nil {
		return domain.TxRecord{}, fmt.Errorf("%w: %v", domain.ErrSubmission, err)
	}
	data, err := lendingABI.Pack(method, ItemKey(call.ItemID))
	if err != nil {
		return domain.TxRecord{}, fmt.Errorf("%w: failed to pack %s: %v", domain.ErrSubmission, method, err)
	}

	// Estimation executes the call against pending state, so a refusal by
	// the contract surfaces here instead of as a reverted receipt.
	gas, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &g.contract, Data: data})
	if err != nil {
		return domain.TxRecord{}, classify("estimate gas", err)
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return domain.TxRecord{}, classify("suggest gas price", err)
	}

	acct, err := g.nonces.acquire(ctx, from)
	if err != nil {
		return domain.TxRecord{}, classify("pending nonce", err)
	}
	nonce := acct.nonce()

	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gas+gas/5, gasPrice, data)
	signed, err := g.keys.Sign(call.From, tx, g.chainID)
	if err != nil {
		acct.discard()
		return domain.TxRecord{}, fmt.Errorf("%w: %v", domain.ErrSubmission, err)
	}

	if err := g.send(ctx, signed); err != nil {
		acct.discard()
		if errors.Is(err, domain.ErrGatewayUnavailable) {
			g.logger.Warn("transaction may have reached the node",
				"item_id", call.ItemID,
				"tx_hash", signed.Hash().Hex(),
				"nonce", nonce,
			)
			return domain.TxRecord{}, fmt.Errorf("%w: %w", chain.ErrBroadcastUncertain, err)
		}
		return domain.TxRecord{}, err
	}
	acct.commit()

	g.logger.Info("transaction sent",
		"method", method,
		"item_id", call.ItemID,
		"user_id", call.From,
		"tx_hash", signed.Hash().Hex(),
		"nonce", nonce,
	)
	return domain.TxRecord{
		Hash:        signed.Hash().Hex(),
		Account:     call.From,
		Nonce:       nonce,
		SubmittedAt: g.now(),
	}, nil
}

// send broadcasts signed, re-sending the same bytes on transport failures so
// a retry never produces a second transaction for the same nonce.
func (g *Gateway) send(ctx context.Context, signed *types.Transaction) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.resendInterval), g.resendAttempts),
		ctx,
	)
	return backoff.Retry(func() error {
		err := g.backend.SendTransaction(ctx, signed)
		if err == nil || isAlreadyKnown(err) {
			return nil
		}
		err = classify("send transaction", err)
		if errors.Is(err, domain.ErrSubmission) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (g *Gateway) PollReceipt(ctx context.Context, tx domain.TxRecord) (chain.Receipt, error) {
	receipt, err := g.backend.TransactionReceipt(ctx, common.HexToHash(tx.Hash))
	if errors.Is(err, ethereum.NotFound) {
		return chain.Receipt{Status: chain.ReceiptPending}, nil
	}
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("%w: poll receipt: %v", domain.ErrGatewayUnavailable, err)
	}

	r := chain.Receipt{Status: chain.ReceiptReverted}
	if receipt.Status == types.ReceiptStatusSuccessful {
		r.Status = chain.ReceiptSuccess
	}
	if receipt.BlockNumber != nil {
		r.Block = receipt.BlockNumber.Uint64()
	}
	return r, nil
}

func (g *Gateway) ReadCustody(ctx context.Context, itemID string) (chain.Custody, error) {
	data, err := lendingABI.Pack("custodyOf", ItemKey(itemID))
	if err != nil {
		return chain.Custody{}, fmt.Errorf("failed to pack custodyOf: %w", err)
	}
	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: data}, nil)
	if err != nil {
		return chain.Custody{}, fmt.Errorf("%w: read custody: %v", domain.ErrGatewayUnavailable, err)
	}

	values, err := lendingABI.Unpack("custodyOf", out)
	if err != nil {
		return chain.Custody{}, fmt.Errorf("failed to unpack custodyOf: %w", err)
	}
	if len(values) != 3 {
		return chain.Custody{}, fmt.Errorf("custodyOf returned %d values", len(values))
	}
	owner, ok1 := values[0].(common.Address)
	holder, ok2 := values[1].(common.Address)
	forSale, ok3 := values[2].(bool)
	if !ok1 || !ok2 || !ok3 {
		return chain.Custody{}, errors.New("custodyOf returned unexpected types")
	}
	if owner == (common.Address{}) {
		return chain.Custody{}, fmt.Errorf("%w: %s", chain.ErrCustodyNotFound, itemID)
	}

	return chain.Custody{
		Owner:   g.userFor(owner),
		Holder:  g.userFor(holder),
		ForSale: forSale,
	}, nil
}

func (g *Gateway) userFor(addr common.Address) string {
	if user, ok := g.keys.UserFor(addr); ok {
		return user
	}
	return addr.Hex()
}

// classify maps node errors onto the gateway error taxonomy. Errors the node
// answered with are refusals; anything else never reached a node.
func classify(op string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() != codeLimitExceeded {
		return fmt.Errorf("%w: %s: %v", domain.ErrSubmission, op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrGatewayUnavailable, op, err)
}

func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}
