// Package chain defines the contract the reconciliation engine needs from the
// blockchain that holds authoritative item custody.
package chain

import (
	"context"
	"errors"

	"github.com/vbonduro/lendchain/internal/domain"
)

// ErrCustodyNotFound is returned by ReadCustody for items the contract has never seen.
var ErrCustodyNotFound = errors.New("custody not found")

// ErrBroadcastUncertain marks a Submit failure that happened after the
// transaction was signed and handed to the node. The node may still have
// accepted it, so the call must not be submitted again.
var ErrBroadcastUncertain = errors.New("broadcast outcome unknown")

// Call is a single contract invocation on behalf of From.
type Call struct {
	Kind   domain.IntentKind
	ItemID string
	From   string
}

type ReceiptStatus int

const (
	ReceiptPending ReceiptStatus = iota
	ReceiptSuccess
	ReceiptReverted
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptSuccess:
		return "success"
	case ReceiptReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// Receipt is the observed outcome of a submitted transaction.
type Receipt struct {
	Status ReceiptStatus
	Block  uint64
}

// Custody is the on-chain (owner, holder) pair of an item.
type Custody struct {
	Owner   string
	Holder  string
	ForSale bool
}

// Gateway submits contract calls and observes their receipts.
//
// Submit returns an error wrapping domain.ErrSubmission when the node or the
// contract refuses the call, and domain.ErrGatewayUnavailable on transport
// failures. A transport failure after signing also wraps ErrBroadcastUncertain.
// PollReceipt reports ReceiptPending, never an error, for a
// transaction that has not been mined yet. ReadCustody is meant for audits
// only, not for confirming intents.
type Gateway interface {
	Submit(ctx context.Context, call Call) (domain.TxRecord, error)
	PollReceipt(ctx context.Context, tx domain.TxRecord) (Receipt, error)
	ReadCustody(ctx context.Context, itemID string) (Custody, error)
}
