package ledger

import (
	"context"
	"path"
	"strconv"

	"github.com/duetware/budgetd/internal/db"
)

// fakeStore is an in-memory implementation of the consumer store interface.
type fakeStore struct {
	hashes map[string]map[string]string
	kv     map[string][]byte
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		hashes: make(map[string]map[string]string),
		kv:     make(map[string][]byte),
	}
}

func (f *fakeStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if f.err != nil {
		return f.err
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (f *fakeStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]map[string]string, len(keys))
	for i, k := range keys {
		m, _ := f.HGetAll(ctx, k)
		out[i] = m
	}
	return out, nil
}

func (f *fakeStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var keys []string
	for k := range f.hashes {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.kv[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeStore) Set(ctx context.Context, key string, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.kv[key] = value
	return nil
}

func (f *fakeStore) Del(ctx context.Context, key string) error {
	if f.err != nil {
		return f.err
	}
	delete(f.kv, key)
	delete(f.hashes, key)
	return nil
}

func (f *fakeStore) IncrBy(ctx context.Context, key string, val int64) error {
	if f.err != nil {
		return f.err
	}
	cur, _ := strconv.ParseInt(string(f.kv[key]), 10, 64)
	f.kv[key] = []byte(strconv.FormatInt(cur+val, 10))
	return nil
}
