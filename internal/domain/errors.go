package domain

import "errors"

var (
	// ErrItemBusy means another intent for the item is still in flight.
	ErrItemBusy = errors.New("item busy")
	// ErrSubmission means the gateway refused the call as unauthorized or
	// malformed. Not transient.
	ErrSubmission = errors.New("submission rejected")
	// ErrPreconditionViolated means the ledger no longer satisfies the
	// intent's precondition.
	ErrPreconditionViolated = errors.New("precondition violated")
	// ErrStaleLedger means the ledger changed underneath a reconciliation and
	// the mutation could not be applied.
	ErrStaleLedger = errors.New("stale ledger")
	// ErrGatewayUnavailable is a transient infrastructure failure.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	ErrVersionConflict     = errors.New("version conflict")
	ErrItemNotFound        = errors.New("item not found")
	ErrIntentNotFound      = errors.New("intent not found")
	ErrReverted            = errors.New("transaction reverted")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrCanceled            = errors.New("intent canceled")
	ErrNotCancelable       = errors.New("intent not cancelable")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInterrupted         = errors.New("interrupted before submission was confirmed")
)

// Reason codes stored on terminal intents.
const (
	ReasonItemBusy            = "item_busy"
	ReasonSubmission          = "submission_rejected"
	ReasonPrecondition        = "precondition_violated"
	ReasonStaleLedger         = "stale_ledger"
	ReasonGatewayUnavailable  = "gateway_unavailable"
	ReasonItemNotFound        = "item_not_found"
	ReasonReverted            = "reverted"
	ReasonConfirmationTimeout = "confirmation_timeout"
	ReasonCanceled            = "canceled"
	ReasonInvalidRequest      = "invalid_request"
	ReasonInterrupted         = "interrupted"
	ReasonInternal            = "internal"
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrItemBusy, ReasonItemBusy},
	{ErrSubmission, ReasonSubmission},
	{ErrPreconditionViolated, ReasonPrecondition},
	{ErrStaleLedger, ReasonStaleLedger},
	{ErrGatewayUnavailable, ReasonGatewayUnavailable},
	{ErrItemNotFound, ReasonItemNotFound},
	{ErrReverted, ReasonReverted},
	{ErrConfirmationTimeout, ReasonConfirmationTimeout},
	{ErrCanceled, ReasonCanceled},
	{ErrInvalidRequest, ReasonInvalidRequest},
	{ErrInterrupted, ReasonInterrupted},
}

// ReasonOf maps an error to the stable code recorded on an intent.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}
