package local

import (
	"context"
	"time"

	"github.com/duetware/budgetd/internal/db"
)

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.kv[key]
	if !ok || s.expired(key) {
		return nil, db.ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores a value at the given key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.setTTL(key, value, 0)
}

// SetWithTTL stores a value with an expiration.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.setTTL(key, value, ttl)
}

func (s *Store) setTTL(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := record{Op: "set", Key: key, Value: value, TTLMs: ttl.Milliseconds(), TS: s.now()}
	if err := s.append(rec); err != nil {
		return &db.Error{Op: db.OpSet, Err: err}
	}
	s.apply(rec)
	return nil
}

// IncrBy atomically increments a key by the given amount.
func (s *Store) IncrBy(ctx context.Context, key string, val int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := record{Op: "incrby", Key: key, Delta: val, TS: s.now()}
	if err := s.append(rec); err != nil {
		return &db.Error{Op: db.OpIncrBy, Err: err}
	}
	s.apply(rec)
	return nil
}

// Expire sets TTL on a key. When nx=true, only if the key has no expiry yet.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := record{Op: "expire", Key: key, TTLMs: ttl.Milliseconds(), NX: nx, TS: s.now()}
	if err := s.append(rec); err != nil {
		return &db.Error{Op: db.OpExpire, Err: err}
	}
	s.apply(rec)
	return nil
}
