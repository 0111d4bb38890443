// Package manifest persists each principal's ProjectStatus row.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/duetware/budgetd/internal/db"
	"github.com/duetware/budgetd/internal/domain"
)

// store is the consumer interface for manifest persistence (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Repo implements usecase/coordination.StatusRepository.
type Repo struct {
	store  store
	prefix string
}

// New creates a manifest repository.
func New(s store, keyPrefix string) *Repo {
	return &Repo{store: s, prefix: keyPrefix}
}

func (r *Repo) key(principal string) string {
	return fmt.Sprintf("%smanifest:%s", r.prefix, principal)
}

// Upsert writes the principal's status row, replacing any previous values.
func (r *Repo) Upsert(ctx context.Context, st domain.ProjectStatus) error {
	key := r.key(st.Principal)
	fields := map[string]string{
		"principal":         st.Principal,
		"version_marker":    st.VersionMarker,
		"tokens_used_today": strconv.FormatInt(st.TokensUsedToday, 10),
		"daily_limit":       strconv.FormatInt(st.DailyLimit, 10),
		"health_score":      strconv.FormatFloat(st.HealthScore, 'f', -1, 64),
		"last_update":       st.LastUpdate.UTC().Format(time.RFC3339Nano),
	}
	if err := r.store.HSet(ctx, key, fields); err != nil {
		return storeErr(fmt.Errorf("hset %s: %w", key, err))
	}
	return nil
}

// Get returns a principal's status row, or domain.ErrStatusNotFound when it
// has never published.
func (r *Repo) Get(ctx context.Context, principal string) (domain.ProjectStatus, error) {
	key := r.key(principal)
	m, err := r.store.HGetAll(ctx, key)
	if err != nil {
		return domain.ProjectStatus{}, storeErr(fmt.Errorf("hgetall %s: %w", key, err))
	}
	if len(m) == 0 {
		return domain.ProjectStatus{}, domain.ErrStatusNotFound
	}

	st := domain.ProjectStatus{
		Principal:     m["principal"],
		VersionMarker: m["version_marker"],
	}
	st.TokensUsedToday, _ = strconv.ParseInt(m["tokens_used_today"], 10, 64)
	st.DailyLimit, _ = strconv.ParseInt(m["daily_limit"], 10, 64)
	st.HealthScore, _ = strconv.ParseFloat(m["health_score"], 64)
	if t, err := time.Parse(time.RFC3339Nano, m["last_update"]); err == nil {
		st.LastUpdate = t
	}
	return st, nil
}

func storeErr(err error) error {
	if errors.Is(err, db.ErrUnavailable) {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return err
}
