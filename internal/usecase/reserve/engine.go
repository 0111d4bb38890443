// Package reserve implements the reservation/settlement engine: the only
// writer of ledger transactions.
package reserve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/duetware/budgetd/internal/domain"
)

// Repository is the persistence interface for ledger transactions.
type Repository interface {
	Insert(ctx context.Context, txn domain.Transaction) error
	FindOpen(ctx context.Context, operationID string) (domain.Transaction, error)
	Update(ctx context.Context, txn domain.Transaction) error
	ClearOpen(ctx context.Context, operationID string) error
	ListDay(ctx context.Context, principal, day string) ([]domain.Transaction, error)
	AddUsed(ctx context.Context, principal, day string, delta int64) error
	ReadUsed(ctx context.Context, principal, day string) (int64, error)
	Day(t time.Time) string
}

// Config holds the budget limits the engine enforces.
type Config struct {
	DailyLimit         int64
	MaxSingleOperation int64
}

// Engine serializes reserve/settle/refund for one process. Cross-process
// consistency relies on the shared store; the mutex only prevents this
// process from racing itself between the availability check and the insert.
type Engine struct {
	mu     sync.Mutex
	repo   Repository
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a reservation engine.
func New(repo Repository, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Reserve admits and records an estimated spend for an operation.
func (e *Engine) Reserve(ctx context.Context, principal, operationID string, estimate int64, metadata map[string]string) (domain.Transaction, error) {
	if estimate <= 0 {
		return domain.Transaction{}, fmt.Errorf("estimate must be positive, got %d", estimate)
	}
	if estimate > e.cfg.MaxSingleOperation {
		return domain.Transaction{}, fmt.Errorf("%w: %d > %d",
			domain.ErrCostExceedsMaximum, estimate, e.cfg.MaxSingleOperation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.repo.FindOpen(ctx, operationID)
	switch {
	case err == nil:
		if existing.Status.Open() {
			return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrDuplicateReservation, operationID)
		}
	case !errors.Is(err, domain.ErrNoSuchReservation):
		return domain.Transaction{}, fmt.Errorf("check open reservation: %w", err)
	}

	now := e.now()
	used, err := e.usedOn(ctx, principal, e.repo.Day(now))
	if err != nil {
		return domain.Transaction{}, err
	}
	if used+estimate > e.cfg.DailyLimit {
		return domain.Transaction{}, &domain.InsufficientBudgetError{
			Principal: principal,
			Requested: estimate,
			Remaining: e.cfg.DailyLimit - used,
		}
	}

	txn := domain.Transaction{
		ID:              ulid.Make().String(),
		Principal:       principal,
		OperationID:     operationID,
		Kind:            domain.KindReserve,
		TokensEstimated: estimate,
		Status:          domain.StatusReserved,
		CreatedAt:       now,
		Metadata:        metadata,
	}
	if err := e.repo.Insert(ctx, txn); err != nil {
		return domain.Transaction{}, fmt.Errorf("insert reservation: %w", err)
	}
	e.bumpCounter(ctx, principal, e.repo.Day(now), estimate)

	e.logger.Debug("reserved tokens",
		zap.String("principal", principal),
		zap.String("operation_id", operationID),
		zap.Int64("estimate", estimate),
		zap.Int64("used_today", used+estimate))
	return txn, nil
}

// Settle records the actual spend of a reserved operation. Accounting uses
// the actual from this point on.
func (e *Engine) Settle(ctx context.Context, operationID string, actual int64) (domain.Transaction, error) {
	if actual < 0 {
		return domain.Transaction{}, fmt.Errorf("actual must be non-negative, got %d", actual)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	txn, err := e.repo.FindOpen(ctx, operationID)
	if err != nil {
		return domain.Transaction{}, err
	}
	switch txn.Status {
	case domain.StatusSettled:
		return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrDuplicateSettlement, operationID)
	case domain.StatusRefunded:
		return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrNoSuchReservation, operationID)
	}

	txn.Kind = domain.KindSettle
	txn.Status = domain.StatusSettled
	txn.TokensActual = actual
	txn.CompletedAt = e.now()
	if err := e.repo.Update(ctx, txn); err != nil {
		return domain.Transaction{}, fmt.Errorf("settle %s: %w", operationID, err)
	}
	e.bumpCounter(ctx, txn.Principal, e.repo.Day(txn.CreatedAt), actual-txn.TokensEstimated)

	e.logger.Debug("settled operation",
		zap.String("operation_id", operationID),
		zap.Int64("estimate", txn.TokensEstimated),
		zap.Int64("actual", actual))
	return txn, nil
}

// Refund terminates an open transaction and returns its tokens to the
// budget. Refunding after settlement reverses the actual tokens recorded at
// settlement; refunding a reservation reverses the estimate.
func (e *Engine) Refund(ctx context.Context, operationID, reason string) (domain.Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	txn, err := e.repo.FindOpen(ctx, operationID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !txn.Status.Open() {
		return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrNoSuchReservation, operationID)
	}

	reversed := txn.EffectiveTokens()
	txn.Kind = domain.KindRefund
	txn.Status = domain.StatusRefunded
	txn.CompletedAt = e.now()
	if reason != "" {
		if txn.Metadata == nil {
			txn.Metadata = make(map[string]string)
		}
		txn.Metadata["refund_reason"] = reason
	}
	if err := e.repo.Update(ctx, txn); err != nil {
		return domain.Transaction{}, fmt.Errorf("refund %s: %w", operationID, err)
	}
	if err := e.repo.ClearOpen(ctx, operationID); err != nil {
		return domain.Transaction{}, fmt.Errorf("refund %s: %w", operationID, err)
	}
	e.bumpCounter(ctx, txn.Principal, e.repo.Day(txn.CreatedAt), -reversed)

	e.logger.Info("refunded operation",
		zap.String("operation_id", operationID),
		zap.Int64("reversed", reversed),
		zap.String("reason", reason))
	return txn, nil
}

// UsedToday recomputes the principal's spend for the current budget day
// from the transaction log.
func (e *Engine) UsedToday(ctx context.Context, principal string) (int64, error) {
	return e.usedOn(ctx, principal, e.repo.Day(e.now()))
}

// Limits exposes the engine's configured budget to read-only consumers.
func (e *Engine) Limits() Config {
	return e.cfg
}

func (e *Engine) usedOn(ctx context.Context, principal, day string) (int64, error) {
	txns, err := e.repo.ListDay(ctx, principal, day)
	if err != nil {
		return 0, fmt.Errorf("list day %s: %w", day, err)
	}
	var sum int64
	for _, txn := range txns {
		sum += txn.EffectiveTokens()
	}
	return sum, nil
}

// bumpCounter maintains the advisory fast-path counter. It is never
// authoritative, so failures only log.
func (e *Engine) bumpCounter(ctx context.Context, principal, day string, delta int64) {
	if delta == 0 {
		return
	}
	if err := e.repo.AddUsed(ctx, principal, day, delta); err != nil {
		e.logger.Warn("usage counter update failed",
			zap.String("principal", principal), zap.Error(err))
	}
}
