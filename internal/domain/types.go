package domain

import (
	"fmt"
	"strings"
	"time"
)

type ItemState string

const (
	ItemAvailable ItemState = "available"
	ItemLent      ItemState = "lent"
)

// Item is the off-chain record of a physical item. Holder equals Owner while
// the item is not lent out.
type Item struct {
	ID        string
	Name      string
	Owner     string
	Holder    string
	State     ItemState
	ForSale   bool
	LastTxRef string
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lent reports whether the item is currently held by someone other than its owner.
func (i Item) Lent() bool {
	return i.Holder != i.Owner
}

type IntentKind string

const (
	KindLend   IntentKind = "lend"
	KindReturn IntentKind = "return"
	KindBuy    IntentKind = "buy"
)

func (k IntentKind) Valid() bool {
	switch k {
	case KindLend, KindReturn, KindBuy:
		return true
	default:
		return false
	}
}

type IntentStatus string

const (
	StatusPending    IntentStatus = "pending"
	StatusSubmitted  IntentStatus = "submitted"
	StatusConfirming IntentStatus = "confirming"
	StatusConfirmed  IntentStatus = "confirmed"
	StatusFailed     IntentStatus = "failed"
	StatusRejected   IntentStatus = "rejected"
)

// Terminal reports whether no further transition is possible from s.
func (s IntentStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusRejected:
		return true
	default:
		return false
	}
}

// TxRecord is the handle returned by the chain gateway for a submitted
// transaction. Nonce increases monotonically per Account.
type TxRecord struct {
	Hash        string
	Account     string
	Nonce       uint64
	SubmittedAt time.Time
}

// Intent is a user request to change an item's custody, tracked from
// admission to a terminal status.
type Intent struct {
	ID              string
	ItemID          string
	Kind            IntentKind
	UserID          string
	Status          IntentStatus
	Tx              *TxRecord
	Reason          string
	AdmittedVersion uint64
	Anomaly         bool
	SubmittedAt     time.Time
	UpdatedAt       time.Time
}

const maxIdentifierLen = 128

// IntentRequest is the validated input for creating an intent.
type IntentRequest struct {
	ItemID string
	UserID string
	Kind   IntentKind
}

// Validate checks the request before it reaches the engine.
func (r IntentRequest) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown intent kind %q", ErrInvalidRequest, r.Kind)
	}
	if err := validateIdentifier("item id", r.ItemID); err != nil {
		return err
	}
	return validateIdentifier("user id", r.UserID)
}

func validateIdentifier(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s required", ErrInvalidRequest, field)
	}
	if v != strings.TrimSpace(v) {
		return fmt.Errorf("%w: %s has surrounding whitespace", ErrInvalidRequest, field)
	}
	if len(v) > maxIdentifierLen {
		return fmt.Errorf("%w: %s too long", ErrInvalidRequest, field)
	}
	return nil
}
