// Package inbox persists coordination messages, keyed by receiving
// principal. ULID message ids make key order chronological.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/duetware/budgetd/internal/db"
	"github.com/duetware/budgetd/internal/domain"
)

// store is the consumer interface for message persistence (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error
}

// Repo implements usecase/coordination.MessageRepository.
type Repo struct {
	store  store
	prefix string
	now    func() time.Time
}

// New creates an inbox repository.
func New(s store, keyPrefix string) *Repo {
	return &Repo{store: s, prefix: keyPrefix, now: time.Now}
}

func (r *Repo) key(to, id string) string {
	return fmt.Sprintf("%smsg:%s:%s", r.prefix, to, id)
}

// Insert writes a new message. When the message carries an expiry the
// backing key gets a matching TTL so stale messages eventually vanish from
// the store; until then they are filtered on read.
func (r *Repo) Insert(ctx context.Context, msg domain.Message) error {
	key := r.key(msg.To, msg.ID)
	if err := r.store.HSet(ctx, key, buildHashFields(msg)); err != nil {
		return storeErr(fmt.Errorf("hset %s: %w", key, err))
	}
	if !msg.ExpiresAt.IsZero() {
		if ttl := msg.ExpiresAt.Sub(r.now()); ttl > 0 {
			if err := r.store.Expire(ctx, key, ttl, false); err != nil {
				return storeErr(fmt.Errorf("expire %s: %w", key, err))
			}
		}
	}
	return nil
}

// ListUnread returns unread, unexpired messages addressed to the principal,
// newest first.
func (r *Repo) ListUnread(ctx context.Context, to string) ([]domain.Message, error) {
	pattern := r.key(to, "*")
	keys, err := r.store.Scan(ctx, pattern)
	if err != nil {
		return nil, storeErr(fmt.Errorf("scan %s: %w", pattern, err))
	}
	if len(keys) == 0 {
		return nil, nil
	}

	// ULID suffix sorts chronologically; reverse for newest-first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	maps, err := r.store.HGetAllMulti(ctx, keys)
	if err != nil {
		return nil, storeErr(fmt.Errorf("hgetall multi: %w", err))
	}

	now := r.now()
	var msgs []domain.Message
	for _, m := range maps {
		if len(m) == 0 {
			continue
		}
		msg := parseHashFields(m)
		if msg.Read || msg.Expired(now) {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MarkRead flips the read flag on a message addressed to the principal.
func (r *Repo) MarkRead(ctx context.Context, to, id string) error {
	key := r.key(to, id)
	m, err := r.store.HGetAll(ctx, key)
	if err != nil {
		return storeErr(fmt.Errorf("hgetall %s: %w", key, err))
	}
	if len(m) == 0 {
		return domain.ErrMessageNotFound
	}
	if err := r.store.HSet(ctx, key, map[string]string{"read": "1"}); err != nil {
		return storeErr(fmt.Errorf("hset %s: %w", key, err))
	}
	return nil
}

func storeErr(err error) error {
	if errors.Is(err, db.ErrUnavailable) {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return err
}
