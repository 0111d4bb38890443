// Package failover composes a primary db.Store (the shared Redis instance)
// with a durable local fallback. Operations try the primary first; when it
// fails the operation is retried once against the fallback and the store
// enters degraded mode, where the fallback serves directly and the primary
// is re-probed at most once per probe interval.
package failover

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duetware/budgetd/internal/db"
)

var _ db.Store = (*Store)(nil)

const defaultProbeInterval = 30 * time.Second

// Config tunes the failover behaviour.
type Config struct {
	// OpTimeout bounds each attempt against a single backend.
	OpTimeout time.Duration
	// ProbeInterval limits how often the primary is retried while degraded.
	ProbeInterval time.Duration
	// OnFailover is invoked with the operation name each time an attempt
	// falls through to the fallback backend. Used for metrics; may be nil.
	OnFailover func(op string)

	Logger *zap.Logger
}

// Store is a db.Store that fails over from primary to fallback.
type Store struct {
	primary  db.Store
	fallback db.Store
	cfg      Config
	log      *zap.Logger

	mu        sync.Mutex
	degraded  bool
	lastProbe time.Time
	now       func() time.Time
}

// NewStore wraps primary and fallback into a failover store.
func NewStore(primary, fallback db.Store, cfg Config) *Store {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Degraded reports whether the store is currently serving from the fallback.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// pick returns the backend order for the next operation. While degraded the
// fallback goes first, except when the probe interval has elapsed.
func (s *Store) pick() (first, second db.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded && s.now().Sub(s.lastProbe) < s.cfg.ProbeInterval {
		return s.fallback, s.primary
	}
	if s.degraded {
		s.lastProbe = s.now()
	}
	return s.primary, s.fallback
}

func (s *Store) noteResult(backend db.Store, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if backend != s.primary {
		return
	}
	if ok && s.degraded {
		s.degraded = false
		s.log.Info("primary storage recovered")
	}
	if !ok && !s.degraded {
		s.degraded = true
		s.lastProbe = s.now()
		s.log.Warn("primary storage degraded, serving from fallback")
	}
}

// run executes fn against the preferred backend, falling through once.
// Sentinel lookups (key not found) are results, not failures.
func (s *Store) run(ctx context.Context, op string, fn func(ctx context.Context, st db.Store) error) error {
	first, second := s.pick()

	err := s.attempt(ctx, first, fn)
	if err == nil || errors.Is(err, db.ErrKeyNotFound) {
		s.noteResult(first, true)
		return err
	}
	s.noteResult(first, false)

	if first == s.primary && s.cfg.OnFailover != nil {
		s.cfg.OnFailover(op)
	}
	s.log.Warn("storage operation failed, retrying on other backend",
		zap.String("op", op), zap.Error(err))

	err2 := s.attempt(ctx, second, fn)
	if err2 == nil || errors.Is(err2, db.ErrKeyNotFound) {
		s.noteResult(second, true)
		return err2
	}
	s.noteResult(second, false)

	return errors.Join(db.ErrUnavailable, err, err2)
}

func (s *Store) attempt(ctx context.Context, st db.Store, fn func(ctx context.Context, st db.Store) error) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	return fn(opCtx, st)
}

// Ping succeeds if either backend responds.
func (s *Store) Ping(ctx context.Context) error {
	return s.run(ctx, db.OpPing, func(ctx context.Context, st db.Store) error {
		return st.Ping(ctx)
	})
}

// Close shuts down both backends.
func (s *Store) Close() {
	s.primary.Close()
	s.fallback.Close()
}

// WaitForReady waits for the primary; if it does not come up within the
// timeout the store starts degraded on the fallback.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	if err := s.primary.WaitForReady(ctx, timeout); err == nil {
		return nil
	}
	if err := s.fallback.WaitForReady(ctx, timeout); err != nil {
		return errors.Join(db.ErrUnavailable, err)
	}
	s.noteResult(s.primary, false)
	return nil
}
