package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Config holds cache configuration
type Config struct {
	// Size is the maximum number of L1 entries
	Size int
	// TTL applies to both tiers
	TTL time.Duration
	// Prefix namespaces L2 keys
	Prefix string
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		Size:   10000,
		TTL:    time.Minute,
		Prefix: "carehub:access",
	}
}

// Stats represents cache statistics
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Errors    int64   `json:"errors"`
	HitRate   float64 `json:"hit_rate"`
	ItemCount int64   `json:"item_count"`
}

type item[V any] struct {
	generation int64
	expiresAt  time.Time
	value      V
}

// envelope is the L2 encoding. It carries the expiry set when the value was first
// cached so a copy pulled into L1 does not outlive it.
type envelope[V any] struct {
	ExpiresAt time.Time `json:"expires_at"`
	Value     V         `json:"value"`
}

// Tiered is a read-through cache with an in-process LRU (L1) and an optional shared
// Redis tier (L2). InvalidateAll bumps a generation counter stored in Redis so every
// instance drops its entries on the next read. A value is never served more than TTL
// after it was Set, whichever tier returns it.
type Tiered[V any] struct {
	config Config
	now    func() time.Time
	l1     *lru.LRU[string, item[V]]
	redis  *redis.Client
	log    logrus.FieldLogger

	localGen atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64
	errs     atomic.Int64
}

// NewTiered creates a cache. client may be nil for an L1-only cache.
func NewTiered[V any](config Config, client *redis.Client, log logrus.FieldLogger) *Tiered[V] {
	defaults := DefaultConfig()
	if config.Size <= 0 {
		config.Size = defaults.Size
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tiered[V]{
		config: config,
		now:    time.Now,
		l1:     lru.NewLRU[string, item[V]](config.Size, nil, config.TTL),
		redis:  client,
		log:    log,
	}
}

// Get returns the cached value for key. Redis failures are treated as misses.
func (c *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V

	gen, err := c.generation(ctx)
	if err != nil {
		c.fail("generation lookup", err)
		c.misses.Add(1)
		return zero, false
	}

	now := c.now()
	if it, ok := c.l1.Get(key); ok && it.generation == gen && now.Before(it.expiresAt) {
		c.hits.Add(1)
		return it.value, true
	}

	if c.redis == nil {
		c.misses.Add(1)
		return zero, false
	}

	data, err := c.redis.Get(ctx, c.redisKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return zero, false
	}
	if err != nil {
		c.fail("get", err)
		c.misses.Add(1)
		return zero, false
	}

	var env envelope[V]
	if err := json.Unmarshal(data, &env); err != nil {
		c.redis.Del(ctx, c.redisKey(gen, key))
		c.fail("decode", err)
		c.misses.Add(1)
		return zero, false
	}
	if !now.Before(env.ExpiresAt) {
		c.misses.Add(1)
		return zero, false
	}

	c.l1.Add(key, item[V]{generation: gen, expiresAt: env.ExpiresAt, value: env.Value})
	c.hits.Add(1)
	return env.Value, true
}

// Set stores value under key in both tiers
func (c *Tiered[V]) Set(ctx context.Context, key string, value V) {
	gen, err := c.generation(ctx)
	if err != nil {
		c.fail("generation lookup", err)
		return
	}
	expiresAt := c.now().Add(c.config.TTL)
	c.l1.Add(key, item[V]{generation: gen, expiresAt: expiresAt, value: value})

	if c.redis == nil {
		return
	}
	data, err := json.Marshal(envelope[V]{ExpiresAt: expiresAt, Value: value})
	if err != nil {
		c.fail("encode", err)
		return
	}
	if err := c.redis.Set(ctx, c.redisKey(gen, key), data, c.config.TTL).Err(); err != nil {
		c.fail("set", err)
	}
}

// InvalidateAll drops every entry in both tiers
func (c *Tiered[V]) InvalidateAll(ctx context.Context) error {
	c.localGen.Add(1)
	c.l1.Purge()
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Incr(ctx, c.genKey()).Err(); err != nil {
		return fmt.Errorf("failed to bump cache generation: %w", err)
	}
	return nil
}

// Stats returns cache statistics
func (c *Tiered[V]) Stats() Stats {
	stats := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Errors:    c.errs.Load(),
		ItemCount: int64(c.l1.Len()),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (c *Tiered[V]) generation(ctx context.Context) (int64, error) {
	if c.redis == nil {
		return c.localGen.Load(), nil
	}
	raw, err := c.redis.Get(ctx, c.genKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cache generation %q: %w", raw, err)
	}
	return gen, nil
}

func (c *Tiered[V]) genKey() string {
	return c.config.Prefix + ":gen"
}

func (c *Tiered[V]) redisKey(gen int64, key string) string {
	return fmt.Sprintf("%s:g%d:%s", c.config.Prefix, gen, key)
}

func (c *Tiered[V]) fail(op string, err error) {
	c.errs.Add(1)
	c.log.WithError(err).WithField("op", op).Warn("cache operation failed")
}
