package domain

import (
	"errors"
	"fmt"
)

// Expected denials callers branch on.
var (
	// ErrCostExceedsMaximum means a single operation's estimate is over the
	// per-operation cap, regardless of remaining balance.
	ErrCostExceedsMaximum = errors.New("operation cost exceeds per-operation maximum")

	// ErrNoSuchReservation means no open transaction exists for the
	// operation id.
	ErrNoSuchReservation = errors.New("no open reservation for operation")

	// ErrDuplicateSettlement means the operation was already settled.
	ErrDuplicateSettlement = errors.New("operation already settled")

	// ErrDuplicateReservation means an open transaction already exists for
	// the operation id.
	ErrDuplicateReservation = errors.New("open reservation already exists for operation")

	// ErrStatusNotFound means a principal has not published a manifest row yet.
	ErrStatusNotFound = errors.New("project status not found")

	// ErrMessageNotFound means no coordination message exists with the id.
	ErrMessageNotFound = errors.New("coordination message not found")

	// ErrStorageUnavailable means both the shared store and the local
	// fallback failed. Callers should treat the ledger as read-only until
	// storage recovers.
	ErrStorageUnavailable = errors.New("ledger storage unavailable")
)

// InsufficientBudgetError is returned when a reservation would push the
// principal over its daily limit. Shortage is the amount by which the
// request exceeds the remaining budget.
type InsufficientBudgetError struct {
	Principal string
	Requested int64
	Remaining int64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget for %s: requested %d, remaining %d",
		e.Principal, e.Requested, e.Remaining)
}

// Shortage is how many tokens the request is short by.
func (e *InsufficientBudgetError) Shortage() int64 {
	return e.Requested - e.Remaining
}
