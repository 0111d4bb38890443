package local

import (
	"context"
	"path"

	"github.com/duetware/budgetd/internal/db"
)

// HSet sets hash fields.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := record{Op: "hset", Key: key, Fields: fields, TS: s.now()}
	if err := s.append(rec); err != nil {
		return &db.Error{Op: db.OpHSet, Err: err}
	}
	s.apply(rec)
	return nil
}

// HGetAll returns all fields of a hash. A missing key yields an empty map,
// matching Redis HGETALL semantics.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok || s.expired(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

// HGetAllMulti fetches all fields for multiple hashes.
func (s *Store) HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([]map[string]string, len(keys))
	for i, key := range keys {
		m, err := s.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// Del deletes a key.
func (s *Store) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := record{Op: "del", Key: key, TS: s.now()}
	if err := s.append(rec); err != nil {
		return &db.Error{Op: db.OpDel, Err: err}
	}
	s.apply(rec)
	return nil
}

// Exists checks if a key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired(key) {
		return false, nil
	}
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	_, ok := s.kv[key]
	return ok, nil
}

// Scan returns all live keys matching a glob pattern.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	match := func(key string) {
		if s.expired(key) {
			return
		}
		ok, err := path.Match(pattern, key)
		if err == nil && ok {
			keys = append(keys, key)
		}
	}
	for k := range s.hashes {
		match(k)
	}
	for k := range s.kv {
		if _, dup := s.hashes[k]; !dup {
			match(k)
		}
	}
	return keys, nil
}
