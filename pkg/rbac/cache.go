package rbac

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/carehub/pkg/cache"
	"github.com/platinummonkey/carehub/pkg/principals"
)

// AccessCache caches accessible sets per requester. Any grant or revoke drops every entry,
// since one assignment can change the sets of many requesters. Changes made outside the
// Granter (principal deactivation, establishment membership edits, an assignment reaching
// its expiry) are not tracked: a cached set may lag them by up to the cache TTL
// (CAREHUB_CACHE_TTL, one minute by default).
type AccessCache struct {
	tiered *cache.Tiered[[]AccessEntry]
}

// NewAccessCache creates an AccessCache. client may be nil for an in-process cache only.
func NewAccessCache(config cache.Config, client *redis.Client, log logrus.FieldLogger) *AccessCache {
	return &AccessCache{tiered: cache.NewTiered[[]AccessEntry](config, client, log)}
}

func (c *AccessCache) get(ctx context.Context, requester principals.ID) ([]AccessEntry, bool) {
	if c == nil {
		return nil, false
	}
	return c.tiered.Get(ctx, strconv.FormatInt(requester, 10))
}

func (c *AccessCache) set(ctx context.Context, requester principals.ID, entries []AccessEntry) {
	if c == nil {
		return
	}
	c.tiered.Set(ctx, strconv.FormatInt(requester, 10), entries)
}

// Invalidate drops every cached set
func (c *AccessCache) Invalidate(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.tiered.InvalidateAll(ctx)
}

// Stats returns cache statistics
func (c *AccessCache) Stats() cache.Stats {
	if c == nil {
		return cache.Stats{}
	}
	return c.tiered.Stats()
}
