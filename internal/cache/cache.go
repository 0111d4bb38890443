// Package cache is a two-tier content-addressed memoization cache: a small
// bounded in-process map in front of disk blobs named by the hash of
// (namespace, key). Everything runs synchronously on the caller's goroutine.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duetware/budgetd/internal/metrics"
)

// sweepHeadroom is the fraction of MaxDiskBytes a sweep reduces to, so the
// next few writes do not immediately re-trigger it.
const sweepHeadroom = 0.8

// Config tunes the cache tiers.
type Config struct {
	Dir            string
	MemoryCapacity int
	MemoryTTL      time.Duration
	DiskTTL        time.Duration
	MaxDiskBytes   int64
	SweepInterval  time.Duration
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Sweeps  int64 `json:"sweeps"`
}

// envelope is the on-disk record. The type tag guards against a caller
// reading another caller's namespace collision or a corrupt blob.
type envelope struct {
	Type       string    `json:"type"`
	Value      []byte    `json:"value"`
	WrittenAt  time.Time `json:"written_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

type memEntry struct {
	value   []byte
	typ     string
	expires time.Time
}

// Cache is the two-tier cache.
type Cache struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	mem       map[string]memEntry
	lastSweep time.Time
	stats     Stats
	now       func() time.Time
}

// New creates a cache rooted at cfg.Dir, creating the directory if needed.
func New(cfg Config, logger *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{
		cfg:    cfg,
		logger: logger,
		mem:    make(map[string]memEntry),
		now:    time.Now,
	}, nil
}

// Get looks a value up by (namespace, key), memory tier first. A disk hit is
// promoted into memory. Expired, corrupt or mistyped records count as misses
// and are deleted.
func (c *Cache) Get(namespace, key, typ string) ([]byte, bool) {
	memKey := namespace + "\x00" + key

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	if e, ok := c.mem[memKey]; ok {
		if e.typ == typ && now.Before(e.expires) {
			c.hit("memory")
			return e.value, true
		}
		delete(c.mem, memKey)
	}

	path := c.blobPath(namespace, key)
	data, err := os.ReadFile(path)
	if err != nil {
		c.miss("disk")
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != typ {
		c.logger.Warn("dropping unreadable cache blob", zap.String("path", path))
		c.removeBlob(path)
		c.miss("disk")
		return nil, false
	}
	if env.TTLSeconds > 0 && now.After(env.WrittenAt.Add(time.Duration(env.TTLSeconds)*time.Second)) {
		c.removeBlob(path)
		c.miss("disk")
		return nil, false
	}

	c.memPut(memKey, memEntry{value: env.Value, typ: typ, expires: now.Add(c.cfg.MemoryTTL)})
	c.hit("disk")
	return env.Value, true
}

// Set writes the value to both tiers and opportunistically sweeps the disk
// tier.
func (c *Cache) Set(namespace, key, typ string, value []byte) error {
	memKey := namespace + "\x00" + key

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	c.memPut(memKey, memEntry{value: value, typ: typ, expires: now.Add(c.cfg.MemoryTTL)})

	env := envelope{
		Type:       typ,
		Value:      value,
		WrittenAt:  now,
		TTLSeconds: int64(c.cfg.DiskTTL.Seconds()),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.blobPath(namespace, key), data, 0o644); err != nil {
		return err
	}
	c.stats.Sets++
	metrics.CacheOpsTotal.WithLabelValues("disk", "set").Inc()

	c.maybeSweep(now)
	return nil
}

// Delete drops a value from both tiers.
func (c *Cache) Delete(namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mem, namespace+"\x00"+key)
	c.removeBlob(c.blobPath(namespace, key))
}

// Snapshot returns the cumulative counters.
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// memPut inserts into the memory tier, evicting the entry closest to expiry
// while over capacity.
func (c *Cache) memPut(key string, e memEntry) {
	c.mem[key] = e
	for c.cfg.MemoryCapacity > 0 && len(c.mem) > c.cfg.MemoryCapacity {
		var oldest string
		var oldestExp time.Time
		for k, v := range c.mem {
			if oldest == "" || v.expires.Before(oldestExp) {
				oldest, oldestExp = k, v.expires
			}
		}
		delete(c.mem, oldest)
	}
}

func (c *Cache) blobPath(namespace, key string) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return filepath.Join(c.cfg.Dir, hex.EncodeToString(h.Sum(nil))+".json")
}

func (c *Cache) removeBlob(path string) {
	if err := os.Remove(path); err == nil {
		c.stats.Deletes++
		metrics.CacheOpsTotal.WithLabelValues("disk", "delete").Inc()
	}
}

func (c *Cache) hit(tier string) {
	c.stats.Hits++
	metrics.CacheOpsTotal.WithLabelValues(tier, "hit").Inc()
}

func (c *Cache) miss(tier string) {
	c.stats.Misses++
	metrics.CacheOpsTotal.WithLabelValues(tier, "miss").Inc()
}
