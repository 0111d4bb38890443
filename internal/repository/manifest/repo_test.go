package manifest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/duetware/budgetd/internal/db"
	"github.com/duetware/budgetd/internal/domain"
)

type fakeStore struct {
	hashes map[string]map[string]string
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{hashes: make(map[string]map[string]string)}
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

func TestUpsertAndGet(t *testing.T) {
	r := New(newFakeStore(), "budgetd:")
	ctx := context.Background()

	st := domain.ProjectStatus{
		Principal:       "alpha",
		VersionMarker:   "c0ffee1",
		TokensUsedToday: 12500,
		DailyLimit:      300000,
		HealthScore:     0.92,
		LastUpdate:      time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC),
	}
	if err := r.Upsert(ctx, st); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := r.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TokensUsedToday != 12500 || got.HealthScore != 0.92 || got.VersionMarker != "c0ffee1" {
		t.Errorf("unexpected status: %+v", got)
	}
	if !got.LastUpdate.Equal(st.LastUpdate) {
		t.Errorf("last_update drifted: %v", got.LastUpdate)
	}
}

func TestGet_NotPublished(t *testing.T) {
	r := New(newFakeStore(), "budgetd:")
	_, err := r.Get(context.Background(), "beta")
	if !errors.Is(err, domain.ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
}

func TestUpsert_StorageUnavailable(t *testing.T) {
	fs := newFakeStore()
	fs.err = db.ErrUnavailable
	r := New(fs, "budgetd:")

	err := r.Upsert(context.Background(), domain.ProjectStatus{Principal: "alpha"})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}
