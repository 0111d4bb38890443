package reserve

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duetware/budgetd/internal/domain"
)

func testEngine(repo *fakeRepo) *Engine {
	return New(repo, Config{DailyLimit: 1000, MaxSingleOperation: 800}, zap.NewNop())
}

func TestReserve_Success(t *testing.T) {
	repo := newFakeRepo()
	e := testEngine(repo)
	ctx := context.Background()

	txn, err := e.Reserve(ctx, "alpha", "op-1", 400, map[string]string{"task": "draft"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if txn.Status != domain.StatusReserved || txn.TokensEstimated != 400 {
		t.Errorf("unexpected transaction: %+v", txn)
	}
	if txn.ID == "" {
		t.Error("missing transaction id")
	}

	used, err := e.UsedToday(ctx, "alpha")
	if err != nil || used != 400 {
		t.Errorf("UsedToday = %d, %v; want 400", used, err)
	}
}

func TestReserve_CostExceedsMaximum(t *testing.T) {
	e := testEngine(newFakeRepo())
	_, err := e.Reserve(context.Background(), "alpha", "op-1", 900, nil)
	if !errors.Is(err, domain.ErrCostExceedsMaximum) {
		t.Fatalf("expected ErrCostExceedsMaximum, got %v", err)
	}
}

func TestReserve_DuplicateOperation(t *testing.T) {
	e := testEngine(newFakeRepo())
	ctx := context.Background()

	if _, err := e.Reserve(ctx, "alpha", "op-1", 100, nil); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	_, err := e.Reserve(ctx, "alpha", "op-1", 100, nil)
	if !errors.Is(err, domain.ErrDuplicateReservation) {
		t.Fatalf("expected ErrDuplicateReservation, got %v", err)
	}
}

func TestSettle_UnknownOperation(t *testing.T) {
	e := testEngine(newFakeRepo())
	_, err := e.Settle(context.Background(), "nope", 100)
	if !errors.Is(err, domain.ErrNoSuchReservation) {
		t.Fatalf("expected ErrNoSuchReservation, got %v", err)
	}
}

func TestSettle_Duplicate(t *testing.T) {
	e := testEngine(newFakeRepo())
	ctx := context.Background()

	e.Reserve(ctx, "alpha", "op-1", 400, nil)
	if _, err := e.Settle(ctx, "op-1", 350); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	_, err := e.Settle(ctx, "op-1", 350)
	if !errors.Is(err, domain.ErrDuplicateSettlement) {
		t.Fatalf("expected ErrDuplicateSettlement, got %v", err)
	}
}

func TestRefund_UnknownOperation(t *testing.T) {
	e := testEngine(newFakeRepo())
	_, err := e.Refund(context.Background(), "nope", "call failed")
	if !errors.Is(err, domain.ErrNoSuchReservation) {
		t.Fatalf("expected ErrNoSuchReservation, got %v", err)
	}
}

func TestRefund_Twice(t *testing.T) {
	e := testEngine(newFakeRepo())
	ctx := context.Background()

	e.Reserve(ctx, "alpha", "op-1", 400, nil)
	if _, err := e.Refund(ctx, "op-1", "call failed"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	_, err := e.Refund(ctx, "op-1", "again")
	if !errors.Is(err, domain.ErrNoSuchReservation) {
		t.Fatalf("expected ErrNoSuchReservation on second refund, got %v", err)
	}
}

// Full lifecycle against a 1000-token day: reserve 400, deny 700 with
// shortage 100, settle at 350, refund returns the settled 350.
func TestLifecycle_ReserveSettleRefund(t *testing.T) {
	e := testEngine(newFakeRepo())
	ctx := context.Background()

	if _, err := e.Reserve(ctx, "alpha", "opA", 400, nil); err != nil {
		t.Fatalf("reserve opA: %v", err)
	}

	_, err := e.Reserve(ctx, "alpha", "opB", 700, nil)
	var insufficient *domain.InsufficientBudgetError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBudgetError, got %v", err)
	}
	if insufficient.Shortage() != 100 {
		t.Errorf("Shortage = %d, want 100", insufficient.Shortage())
	}

	if _, err := e.Settle(ctx, "opA", 350); err != nil {
		t.Fatalf("settle opA: %v", err)
	}
	used, _ := e.UsedToday(ctx, "alpha")
	if used != 350 {
		t.Errorf("used after settle = %d, want 350", used)
	}

	if _, err := e.Refund(ctx, "opA", "rolled back"); err != nil {
		t.Fatalf("refund settled opA: %v", err)
	}
	used, _ = e.UsedToday(ctx, "alpha")
	if used != 0 {
		t.Errorf("used after refund = %d, want 0", used)
	}
}

func TestRefund_FreesOperationID(t *testing.T) {
	e := testEngine(newFakeRepo())
	ctx := context.Background()

	e.Reserve(ctx, "alpha", "op-1", 400, nil)
	e.Refund(ctx, "op-1", "retry")

	if _, err := e.Reserve(ctx, "alpha", "op-1", 200, nil); err != nil {
		t.Fatalf("re-reserve after refund: %v", err)
	}
	used, _ := e.UsedToday(ctx, "alpha")
	if used != 200 {
		t.Errorf("used = %d, want 200", used)
	}
}

func TestUsedToday_IgnoresOtherDays(t *testing.T) {
	repo := newFakeRepo()
	e := testEngine(repo)
	ctx := context.Background()

	yesterday := domain.Transaction{
		ID: "old", Principal: "alpha", OperationID: "op-old",
		Kind: domain.KindSettle, TokensEstimated: 500, TokensActual: 500,
		Status:    domain.StatusSettled,
		CreatedAt: time.Now().UTC().AddDate(0, 0, -1),
	}
	repo.txns[yesterday.ID] = yesterday

	used, err := e.UsedToday(ctx, "alpha")
	if err != nil || used != 0 {
		t.Errorf("UsedToday = %d, %v; want 0", used, err)
	}

	// Yesterday's spend must not block today's budget.
	if _, err := e.Reserve(ctx, "alpha", "op-1", 800, nil); err != nil {
		t.Fatalf("reserve on fresh day: %v", err)
	}
}

func TestAdvisoryCounterTracksLedger(t *testing.T) {
	repo := newFakeRepo()
	e := testEngine(repo)
	ctx := context.Background()

	day := repo.Day(time.Now())
	e.Reserve(ctx, "alpha", "op-1", 400, nil)
	e.Settle(ctx, "op-1", 350)

	if got := repo.counter["alpha:"+day]; got != 350 {
		t.Errorf("counter after settle = %d, want 350", got)
	}

	e.Refund(ctx, "op-1", "rolled back")
	if got := repo.counter["alpha:"+day]; got != 0 {
		t.Errorf("counter after refund = %d, want 0", got)
	}
}
