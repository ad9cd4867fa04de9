// Package assets resolves the inputs a render job needs: the beatmap file
// (through a shared bounded cache), the replay file, and the skin directory.
package assets

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/mawnt/renderbot/telemetry"
)

// BeatmapCache maps beatmap ids to local .osu file paths. Capacity-bounded
// with LRU eviction plus an optional max-age TTL. Concurrent misses for the
// same id are collapsed into a single fetch; an in-flight fetch lives in the
// flight group, not the LRU, so eviction can never interrupt it.
type BeatmapCache struct {
	lru   *expirable.LRU[int, string]
	group singleflight.Group
}

// NewBeatmapCache builds a cache with the given capacity and TTL (ttl <= 0
// disables expiry).
func NewBeatmapCache(size int, ttl time.Duration) *BeatmapCache {
	if size < 1 {
		size = 1
	}
	return &BeatmapCache{lru: expirable.NewLRU[int, string](size, nil, ttl)}
}

// Get returns the cached path for id or runs fetch exactly once per id
// across concurrent callers, populating the cache only on success.
func (c *BeatmapCache) Get(ctx context.Context, id int, fetch func(ctx context.Context) (string, error)) (string, error) {
	if p, ok := c.lru.Get(id); ok {
		if telemetry.BeatmapCacheHits != nil {
			telemetry.BeatmapCacheHits.Inc()
		}
		return p, nil
	}
	if telemetry.BeatmapCacheMiss != nil {
		telemetry.BeatmapCacheMiss.Inc()
	}
	v, err, _ := c.group.Do(strconv.Itoa(id), func() (any, error) {
		// A concurrent flight may have populated the cache while we waited
		// for the group lock.
		if p, ok := c.lru.Get(id); ok {
			return p, nil
		}
		p, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.lru.Add(id, p)
		return p, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Len returns the number of cached entries.
func (c *BeatmapCache) Len() int { return c.lru.Len() }
