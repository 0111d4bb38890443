package cache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/duetware/budgetd/internal/metrics"
)

// maybeSweep runs at most once per sweep interval. Caller holds the lock.
func (c *Cache) maybeSweep(now time.Time) {
	if c.cfg.SweepInterval > 0 && now.Sub(c.lastSweep) < c.cfg.SweepInterval {
		return
	}
	c.lastSweep = now
	c.sweep(now)
}

type blobInfo struct {
	path  string
	size  int64
	mtime time.Time
}

// sweep deletes expired blobs, then the oldest blobs by mtime until the
// disk tier is back under the target size. Caller holds the lock.
func (c *Cache) sweep(now time.Time) {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		c.logger.Warn("cache sweep failed", zap.Error(err))
		return
	}

	var blobs []blobInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		b := blobInfo{
			path:  filepath.Join(c.cfg.Dir, e.Name()),
			size:  info.Size(),
			mtime: info.ModTime(),
		}
		if c.cfg.DiskTTL > 0 && now.Sub(b.mtime) > c.cfg.DiskTTL {
			c.removeBlob(b.path)
			continue
		}
		blobs = append(blobs, b)
		total += b.size
	}

	c.stats.Sweeps++
	metrics.CacheOpsTotal.WithLabelValues("disk", "sweep").Inc()

	if c.cfg.MaxDiskBytes <= 0 || total <= c.cfg.MaxDiskBytes {
		return
	}

	target := int64(float64(c.cfg.MaxDiskBytes) * sweepHeadroom)
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].mtime.Before(blobs[j].mtime) })
	for _, b := range blobs {
		if total <= target {
			break
		}
		c.removeBlob(b.path)
		total -= b.size
	}

	c.logger.Debug("cache swept",
		zap.Int64("bytes", total),
		zap.Int64("target", target))
}
