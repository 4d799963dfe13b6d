// Package queue enforces single-writer admission per item: at most one
// non-terminal intent may hold an item at any instant.
package queue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vbonduro/lendchain/internal/domain"
)

// ErrNotHeld is returned when an intent operates on an item entry it does not hold.
var ErrNotHeld = errors.New("intent does not hold item")

type phase int

const (
	phaseAdmitted phase = iota
	phaseSubmitting
	phaseCanceled
)

type entry struct {
	intentID string

	mu    sync.Mutex
	phase phase
}

// Queue tracks the in-flight intent of each item. Entries for different items
// never share a lock.
type Queue struct {
	entries sync.Map // item id -> *entry
}

func New() *Queue {
	return &Queue{}
}

// Admit registers intentID as the single writer for itemID. It fails with
// domain.ErrItemBusy if another intent already holds the item.
func (q *Queue) Admit(itemID, intentID string) error {
	return q.store(itemID, &entry{intentID: intentID, phase: phaseAdmitted})
}

// Restore re-admits an intent whose transaction was already submitted, as
// happens when in-flight intents are resumed after a restart.
func (q *Queue) Restore(itemID, intentID string) error {
	return q.store(itemID, &entry{intentID: intentID, phase: phaseSubmitting})
}

func (q *Queue) store(itemID string, e *entry) error {
	actual, loaded := q.entries.LoadOrStore(itemID, e)
	if loaded {
		return fmt.Errorf("%w: item %s held by intent %s", domain.ErrItemBusy, itemID, actual.(*entry).intentID)
	}
	return nil
}

// BeginSubmit claims the entry for submission. After it succeeds the intent
// can no longer be canceled. It returns domain.ErrCanceled if a cancel won.
func (q *Queue) BeginSubmit(itemID, intentID string) error {
	e, err := q.held(itemID, intentID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.phase {
	case phaseCanceled:
		return fmt.Errorf("%w: %s", domain.ErrCanceled, intentID)
	case phaseAdmitted:
		e.phase = phaseSubmitting
	}
	return nil
}

// Cancel marks an admitted, not yet submitted intent as canceled. The entry
// stays in place until the owner of the intent releases it.
func (q *Queue) Cancel(itemID, intentID string) error {
	e, err := q.held(itemID, intentID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotCancelable, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.phase {
	case phaseSubmitting:
		return fmt.Errorf("%w: %s already submitted", domain.ErrNotCancelable, intentID)
	default:
		e.phase = phaseCanceled
		return nil
	}
}

// Release clears the entry for itemID if it is still held by intentID and
// reports whether it did.
func (q *Queue) Release(itemID, intentID string) bool {
	v, ok := q.entries.Load(itemID)
	if !ok {
		return false
	}
	e := v.(*entry)
	if e.intentID != intentID {
		return false
	}
	return q.entries.CompareAndDelete(itemID, e)
}

// Holder returns the intent currently holding itemID.
func (q *Queue) Holder(itemID string) (string, bool) {
	v, ok := q.entries.Load(itemID)
	if !ok {
		return "", false
	}
	return v.(*entry).intentID, true
}

// Len returns the number of held items.
func (q *Queue) Len() int {
	n := 0
	q.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (q *Queue) held(itemID, intentID string) (*entry, error) {
	v, ok := q.entries.Load(itemID)
	if !ok {
		return nil, fmt.Errorf("%w: item %s has no in-flight intent", ErrNotHeld, itemID)
	}
	e := v.(*entry)
	if e.intentID != intentID {
		return nil, fmt.Errorf("%w: item %s held by %s", ErrNotHeld, itemID, e.intentID)
	}
	return e, nil
}
