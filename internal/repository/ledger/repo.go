// Package ledger persists budget transactions as flat hash records, with a
// key-per-day layout so daily usage queries scan only the current budget day.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/duetware/budgetd/internal/db"
	"github.com/duetware/budgetd/internal/domain"
)

// store is the consumer interface for ledger persistence (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	IncrBy(ctx context.Context, key string, val int64) error
}

// Repo implements usecase/reserve.Repository.
type Repo struct {
	store  store
	prefix string
	loc    *time.Location
}

// New creates a ledger repository. Day partitioning uses loc as the budget
// reference timezone.
func New(s store, keyPrefix string, loc *time.Location) *Repo {
	return &Repo{store: s, prefix: keyPrefix, loc: loc}
}

// Day returns the budget-day key for t in the reference timezone.
func (r *Repo) Day(t time.Time) string {
	return t.In(r.loc).Format("2006-01-02")
}

func (r *Repo) txnKey(principal, day, id string) string {
	return fmt.Sprintf("%stxn:%s:%s:%s", r.prefix, principal, day, id)
}

func (r *Repo) opKey(operationID string) string {
	return fmt.Sprintf("%sop:%s", r.prefix, operationID)
}

func (r *Repo) usedKey(principal, day string) string {
	return fmt.Sprintf("%sused:%s:%s", r.prefix, principal, day)
}

// Insert writes a new transaction and points the operation id at it.
func (r *Repo) Insert(ctx context.Context, txn domain.Transaction) error {
	key := r.txnKey(txn.Principal, r.Day(txn.CreatedAt), txn.ID)
	if err := r.store.HSet(ctx, key, buildHashFields(txn)); err != nil {
		return storeErr(fmt.Errorf("hset %s: %w", key, err))
	}
	if err := r.store.Set(ctx, r.opKey(txn.OperationID), []byte(key)); err != nil {
		return storeErr(fmt.Errorf("set op pointer %s: %w", txn.OperationID, err))
	}
	return nil
}

// FindOpen returns the open transaction for an operation id, or
// domain.ErrNoSuchReservation when the operation has none.
func (r *Repo) FindOpen(ctx context.Context, operationID string) (domain.Transaction, error) {
	raw, err := r.store.Get(ctx, r.opKey(operationID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domain.Transaction{}, domain.ErrNoSuchReservation
		}
		return domain.Transaction{}, storeErr(fmt.Errorf("get op pointer %s: %w", operationID, err))
	}

	key := string(raw)
	m, err := r.store.HGetAll(ctx, key)
	if err != nil {
		return domain.Transaction{}, storeErr(fmt.Errorf("hgetall %s: %w", key, err))
	}
	if len(m) == 0 {
		return domain.Transaction{}, domain.ErrNoSuchReservation
	}
	return parseHashFields(m), nil
}

// Update rewrites a transaction's mutable fields in place.
func (r *Repo) Update(ctx context.Context, txn domain.Transaction) error {
	key := r.txnKey(txn.Principal, r.Day(txn.CreatedAt), txn.ID)
	if err := r.store.HSet(ctx, key, buildHashFields(txn)); err != nil {
		return storeErr(fmt.Errorf("hset %s: %w", key, err))
	}
	return nil
}

// ClearOpen drops the operation pointer, allowing the operation id to be
// reserved again after a refund.
func (r *Repo) ClearOpen(ctx context.Context, operationID string) error {
	if err := r.store.Del(ctx, r.opKey(operationID)); err != nil {
		return storeErr(fmt.Errorf("del op pointer %s: %w", operationID, err))
	}
	return nil
}

// ListDay returns every transaction a principal created on the given day.
func (r *Repo) ListDay(ctx context.Context, principal, day string) ([]domain.Transaction, error) {
	pattern := r.txnKey(principal, day, "*")
	keys, err := r.store.Scan(ctx, pattern)
	if err != nil {
		return nil, storeErr(fmt.Errorf("scan %s: %w", pattern, err))
	}
	if len(keys) == 0 {
		return nil, nil
	}

	maps, err := r.store.HGetAllMulti(ctx, keys)
	if err != nil {
		return nil, storeErr(fmt.Errorf("hgetall multi: %w", err))
	}

	txns := make([]domain.Transaction, 0, len(maps))
	for _, m := range maps {
		if len(m) == 0 {
			continue
		}
		txns = append(txns, parseHashFields(m))
	}
	return txns, nil
}

// AddUsed bumps the advisory fast-path usage counter for a day.
func (r *Repo) AddUsed(ctx context.Context, principal, day string, delta int64) error {
	if err := r.store.IncrBy(ctx, r.usedKey(principal, day), delta); err != nil {
		return storeErr(fmt.Errorf("incrby used %s: %w", principal, err))
	}
	return nil
}

// ReadUsed returns the advisory counter value, zero when absent.
func (r *Repo) ReadUsed(ctx context.Context, principal, day string) (int64, error) {
	raw, err := r.store.Get(ctx, r.usedKey(principal, day))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, storeErr(fmt.Errorf("get used %s: %w", principal, err))
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse used counter: %w", err)
	}
	return n, nil
}

// storeErr surfaces total backend loss as the domain sentinel.
func storeErr(err error) error {
	if errors.Is(err, db.ErrUnavailable) {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return err
}
