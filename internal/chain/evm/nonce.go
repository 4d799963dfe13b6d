package evm

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// nonceManager hands out strictly increasing nonces per account. The first
// nonce of an account is read from the node's pending state.
type nonceManager struct {
	source func(ctx context.Context, addr common.Address) (uint64, error)

	mu       sync.Mutex
	accounts map[common.Address]*accountNonce
}

type accountNonce struct {
	mu     sync.Mutex
	next   uint64
	seeded bool
}

func newNonceManager(source func(ctx context.Context, addr common.Address) (uint64, error)) *nonceManager {
	return &nonceManager{
		source:   source,
		accounts: make(map[common.Address]*accountNonce),
	}
}

// acquire locks addr's nonce until commit or discard is called, so a single
// account never has two transactions being signed at once.
func (m *nonceManager) acquire(ctx context.Context, addr common.Address) (*accountNonce, error) {
	m.mu.Lock()
	a, ok := m.accounts[addr]
	if !ok {
		a = &accountNonce{}
		m.accounts[addr] = a
	}
	m.mu.Unlock()

	a.mu.Lock()
	if !a.seeded {
		n, err := m.source(ctx, addr)
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		a.next = n
		a.seeded = true
	}
	return a, nil
}

func (a *accountNonce) nonce() uint64 {
	return a.next
}

// commit consumes the nonce.
func (a *accountNonce) commit() {
	a.next++
	a.mu.Unlock()
}

// discard forgets the cached nonce; the next acquire reseeds from the node.
func (a *accountNonce) discard() {
	a.seeded = false
	a.mu.Unlock()
}
