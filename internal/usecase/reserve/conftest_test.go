package reserve

import (
	"context"
	"time"

	"github.com/duetware/budgetd/internal/domain"
)

// fakeRepo is an in-memory Repository for engine tests.
type fakeRepo struct {
	txns    map[string]domain.Transaction // by id
	open    map[string]string             // operation id -> txn id
	counter map[string]int64              // principal:day
	err     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		txns:    make(map[string]domain.Transaction),
		open:    make(map[string]string),
		counter: make(map[string]int64),
	}
}

func (f *fakeRepo) Insert(ctx context.Context, txn domain.Transaction) error {
	if f.err != nil {
		return f.err
	}
	f.txns[txn.ID] = txn
	f.open[txn.OperationID] = txn.ID
	return nil
}

func (f *fakeRepo) FindOpen(ctx context.Context, operationID string) (domain.Transaction, error) {
	if f.err != nil {
		return domain.Transaction{}, f.err
	}
	id, ok := f.open[operationID]
	if !ok {
		return domain.Transaction{}, domain.ErrNoSuchReservation
	}
	return f.txns[id], nil
}

func (f *fakeRepo) Update(ctx context.Context, txn domain.Transaction) error {
	if f.err != nil {
		return f.err
	}
	f.txns[txn.ID] = txn
	return nil
}

func (f *fakeRepo) ClearOpen(ctx context.Context, operationID string) error {
	if f.err != nil {
		return f.err
	}
	delete(f.open, operationID)
	return nil
}

func (f *fakeRepo) ListDay(ctx context.Context, principal, day string) ([]domain.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Transaction
	for _, txn := range f.txns {
		if txn.Principal == principal && f.Day(txn.CreatedAt) == day {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (f *fakeRepo) AddUsed(ctx context.Context, principal, day string, delta int64) error {
	f.counter[principal+":"+day] += delta
	return nil
}

func (f *fakeRepo) ReadUsed(ctx context.Context, principal, day string) (int64, error) {
	return f.counter[principal+":"+day], nil
}

func (f *fakeRepo) Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
