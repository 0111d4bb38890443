package domain

import "time"

// Kind is the ledger entry kind.
type Kind string

const (
	KindReserve Kind = "RESERVE"
	KindSettle  Kind = "SETTLE"
	KindRefund  Kind = "REFUND"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusReserved Status = "RESERVED"
	StatusSettled  Status = "SETTLED"
	StatusRefunded Status = "REFUNDED"
)

// Open reports whether the status still counts against the daily budget.
func (s Status) Open() bool {
	return s == StatusReserved || s == StatusSettled
}

// Transaction is a single ledger entry. At most one open (RESERVED or
// SETTLED) transaction may exist per OperationID; a refund terminates it
// exactly once.
type Transaction struct {
	ID              string
	Principal       string
	OperationID     string
	Kind            Kind
	TokensEstimated int64
	TokensActual    int64
	Status          Status
	CreatedAt       time.Time
	CompletedAt     time.Time
	Metadata        map[string]string
}

// EffectiveTokens is the amount this transaction contributes to usage:
// the settled actual when present, the estimate otherwise. Refunded
// transactions contribute nothing.
func (t Transaction) EffectiveTokens() int64 {
	if t.Status == StatusRefunded {
		return 0
	}
	if t.Status == StatusSettled {
		return t.TokensActual
	}
	return t.TokensEstimated
}
