package domain

import "fmt"

// CheckPrecondition reports whether userID may perform kind on item in its
// current state. It is evaluated at admission and again at confirmation.
func CheckPrecondition(kind IntentKind, item Item, userID string) error {
	switch kind {
	case KindLend:
		if item.Lent() {
			return fmt.Errorf("%w: item %s is already lent to %s", ErrPreconditionViolated, item.ID, item.Holder)
		}
		if userID == item.Owner {
			return fmt.Errorf("%w: owner cannot borrow own item %s", ErrPreconditionViolated, item.ID)
		}
	case KindReturn:
		if !item.Lent() {
			return fmt.Errorf("%w: item %s is not lent", ErrPreconditionViolated, item.ID)
		}
		if item.Holder != userID {
			return fmt.Errorf("%w: item %s is held by %s", ErrPreconditionViolated, item.ID, item.Holder)
		}
	case KindBuy:
		if !item.ForSale {
			return fmt.Errorf("%w: item %s is not for sale", ErrPreconditionViolated, item.ID)
		}
		if userID == item.Owner {
			return fmt.Errorf("%w: buyer already owns item %s", ErrPreconditionViolated, item.ID)
		}
	default:
		return fmt.Errorf("%w: unknown intent kind %q", ErrInvalidRequest, kind)
	}
	return nil
}

// ApplyConfirmed returns the item as it must look after a confirmed intent of
// the given kind. The caller is responsible for checking the precondition.
func ApplyConfirmed(kind IntentKind, item Item, userID, txRef string) Item {
	next := item
	switch kind {
	case KindLend:
		next.Holder = userID
	case KindReturn:
		next.Holder = next.Owner
	case KindBuy:
		next.Owner = userID
		next.Holder = userID
		next.ForSale = false
	}
	next.State = ItemAvailable
	if next.Lent() {
		next.State = ItemLent
	}
	next.LastTxRef = txRef
	return next
}
