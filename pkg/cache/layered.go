package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/api-lens/api-lens/pkg/observability"
	lru "github.com/hashicorp/golang-lru/v2"
)

// layeredEntry is an L1 slot: raw JSON plus its expiry
type layeredEntry struct {
	data      []byte
	expiresAt time.Time
}

// LayeredCache puts a small in-process LRU in front of the shared substrate.
// L1 staleness is bounded by the entry TTL capped at l1MaxTTL; invalidation
// clears both layers on this instance and the substrate for all instances.
//
// Error policy: substrate failures during Get surface as a miss (fail-open
// for reads); failures during Set surface as a soft failure recorded in the
// stats, and the caller proceeds without caching.
type LayeredCache struct {
	substrate Substrate
	l1        *lru.Cache[string, layeredEntry]
	l1MaxTTL  time.Duration
	logger    observability.Logger
	metrics   observability.MetricsClient

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
	totalNS atomic.Int64
	opCount atomic.Int64
}

// LayeredCacheConfig controls the L1 layer
type LayeredCacheConfig struct {
	L1Size   int           `mapstructure:"l1_size"`
	L1MaxTTL time.Duration `mapstructure:"l1_max_ttl"`
}

// NewLayeredCache creates a layered cache over the substrate
func NewLayeredCache(substrate Substrate, cfg LayeredCacheConfig, logger observability.Logger, metrics observability.MetricsClient) (*LayeredCache, error) {
	if cfg.L1Size <= 0 {
		cfg.L1Size = 4096
	}
	if cfg.L1MaxTTL <= 0 {
		cfg.L1MaxTTL = 30 * time.Second
	}
	l1, err := lru.New[string, layeredEntry](cfg.L1Size)
	if err != nil {
		return nil, err
	}
	return &LayeredCache{
		substrate: substrate,
		l1:        l1,
		l1MaxTTL:  cfg.L1MaxTTL,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Get returns the cached value or ErrNotFound. Substrate errors are
// recorded and reported as a miss.
func (c *LayeredCache) Get(ctx context.Context, key string, value any) error {
	start := time.Now()
	defer c.observe(start)

	if entry, ok := c.l1.Get(key); ok {
		if time.Now().Before(entry.expiresAt) {
			if err := json.Unmarshal(entry.data, value); err == nil {
				c.hits.Add(1)
				c.recordOp("get", true, start)
				return nil
			}
		}
		c.l1.Remove(key)
	}

	err := c.substrate.Get(ctx, key, value)
	if err == nil {
		c.hits.Add(1)
		c.recordOp("get", true, start)
		if data, merr := json.Marshal(value); merr == nil {
			c.l1.Add(key, layeredEntry{data: data, expiresAt: time.Now().Add(c.l1MaxTTL)})
		}
		return nil
	}
	if err != ErrNotFound {
		c.errors.Add(1)
		c.logger.Warn("Cache read failed, treating as miss", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	c.misses.Add(1)
	c.recordOp("get", false, start)
	return ErrNotFound
}

// Set stores a value in both layers. A substrate failure is a soft failure:
// it is counted and returned, but callers are expected to proceed.
func (c *LayeredCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	start := time.Now()
	defer c.observe(start)
	c.sets.Add(1)

	l1TTL := ttl
	if l1TTL > c.l1MaxTTL {
		l1TTL = c.l1MaxTTL
	}
	if data, err := json.Marshal(value); err == nil {
		c.l1.Add(key, layeredEntry{data: data, expiresAt: time.Now().Add(l1TTL)})
	}

	if err := c.substrate.Set(ctx, key, value, ttl); err != nil {
		c.errors.Add(1)
		c.logger.Warn("Cache write failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// Delete removes a key from both layers
func (c *LayeredCache) Delete(ctx context.Context, key string) error {
	c.deletes.Add(1)
	c.l1.Remove(key)
	if err := c.substrate.Delete(ctx, key); err != nil {
		c.errors.Add(1)
		return err
	}
	return nil
}

// Exists checks the substrate for a key
func (c *LayeredCache) Exists(ctx context.Context, key string) (bool, error) {
	return c.substrate.Exists(ctx, key)
}

// InvalidateTenant removes every cached key scoped to the tenant. The L1
// layer is purged wholesale; substrate keys are removed by cursor scan with
// batched deletions.
//
// Tenant-context entries are keyed by API-key hash rather than tenant id, so
// the scan cannot reach them; a stale context lives at most the resolver
// cache TTL. Dropping a specific key's entry right away goes through the
// resolver, which can derive the hash from the secret.
func (c *LayeredCache) InvalidateTenant(ctx context.Context, keys *Keys, tenantID string) (int64, error) {
	c.l1.Purge()

	var removed int64
	for _, pattern := range keys.TenantWildcard(tenantID) {
		n, err := c.substrate.ScanDelete(ctx, pattern)
		if err != nil {
			c.errors.Add(1)
			return removed, err
		}
		removed += n
	}
	c.deletes.Add(removed)
	c.logger.Info("Tenant cache invalidated", map[string]interface{}{
		"tenant_id": tenantID,
		"removed":   removed,
	})
	return removed, nil
}

// Close releases the substrate connection
func (c *LayeredCache) Close() error {
	return c.substrate.Close()
}

func (c *LayeredCache) observe(start time.Time) {
	c.totalNS.Add(time.Since(start).Nanoseconds())
	c.opCount.Add(1)
}

func (c *LayeredCache) recordOp(op string, hit bool, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordCacheOperation(op, hit, time.Since(start).Seconds())
	}
}

// Stats returns a snapshot of the cache counters
func (c *LayeredCache) Stats() Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
	}
	if ops := c.opCount.Load(); ops > 0 {
		s.AvgLatency = time.Duration(c.totalNS.Load() / ops)
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	s.Grade = s.performanceGrade()
	return s
}
