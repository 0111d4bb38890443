package failover

import (
	"context"
	"time"

	"github.com/duetware/budgetd/internal/db"
)

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.run(ctx, db.OpGet, func(ctx context.Context, st db.Store) error {
		v, err := st.Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.run(ctx, db.OpSet, func(ctx context.Context, st db.Store) error {
		return st.Set(ctx, key, value)
	})
}

func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.run(ctx, db.OpSet, func(ctx context.Context, st db.Store) error {
		return st.SetWithTTL(ctx, key, value, ttl)
	})
}

func (s *Store) IncrBy(ctx context.Context, key string, val int64) error {
	return s.run(ctx, db.OpIncrBy, func(ctx context.Context, st db.Store) error {
		return st.IncrBy(ctx, key, val)
	})
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error {
	return s.run(ctx, db.OpExpire, func(ctx context.Context, st db.Store) error {
		return st.Expire(ctx, key, ttl, nx)
	})
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	return s.run(ctx, db.OpHSet, func(ctx context.Context, st db.Store) error {
		return st.HSet(ctx, key, fields)
	})
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := s.run(ctx, db.OpHGetAll, func(ctx context.Context, st db.Store) error {
		m, err := st.HGetAll(ctx, key)
		out = m
		return err
	})
	return out, err
}

func (s *Store) HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error) {
	var out []map[string]string
	err := s.run(ctx, db.OpHGetAll, func(ctx context.Context, st db.Store) error {
		ms, err := st.HGetAllMulti(ctx, keys)
		out = ms
		return err
	})
	return out, err
}

func (s *Store) Del(ctx context.Context, key string) error {
	return s.run(ctx, db.OpDel, func(ctx context.Context, st db.Store) error {
		return st.Del(ctx, key)
	})
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var out bool
	err := s.run(ctx, db.OpExists, func(ctx context.Context, st db.Store) error {
		ok, err := st.Exists(ctx, key)
		out = ok
		return err
	})
	return out, err
}

func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := s.run(ctx, db.OpScan, func(ctx context.Context, st db.Store) error {
		keys, err := st.Scan(ctx, pattern)
		out = keys
		return err
	})
	return out, err
}
