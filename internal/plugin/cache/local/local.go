// Package local provides an in-process memory entries cache backed by
// ristretto. Useful for single-instance deployments where a shared cache
// would be overkill.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/conversation-store/internal/config"
	registrycache "github.com/chirino/conversation-store/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrycache.MemoryEntriesCache, error) {
			cfg := config.FromContext(ctx)
			ttl := defaultTTL
			if cfg != nil && cfg.CacheTTL > 0 {
				ttl = cfg.CacheTTL
			}
			return New(ttl)
		},
	})
}

// New creates a local cache with the given default TTL.
func New(ttl time.Duration) (registrycache.MemoryEntriesCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, registrycache.CachedMemoryEntries]{
		NumCounters: 100_000,
		MaxCost:     64 << 20, // 64 MiB
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &localEntriesCache{cache: c, ttl: ttl}, nil
}

type localEntriesCache struct {
	cache *ristretto.Cache[string, registrycache.CachedMemoryEntries]
	ttl   time.Duration
}

func entriesKey(convID uuid.UUID, clientID string) string {
	return fmt.Sprintf("mem-entries:%s:%s", convID.String(), clientID)
}

func (c *localEntriesCache) Available() bool { return true }

func (c *localEntriesCache) Get(_ context.Context, conversationID uuid.UUID, clientID string) (*registrycache.CachedMemoryEntries, error) {
	cached, ok := c.cache.Get(entriesKey(conversationID, clientID))
	if !ok {
		return nil, nil
	}
	return &cached, nil
}

func (c *localEntriesCache) Set(_ context.Context, conversationID uuid.UUID, clientID string, entries registrycache.CachedMemoryEntries, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	cost := int64(1 + len(entries.Entries))
	c.cache.SetWithTTL(entriesKey(conversationID, clientID), entries, cost, ttl)
	// Wait so writes are visible to the next read; the store relies on
	// read-after-write when it warms the cache.
	c.cache.Wait()
	return nil
}

func (c *localEntriesCache) Remove(_ context.Context, conversationID uuid.UUID, clientID string) error {
	c.cache.Del(entriesKey(conversationID, clientID))
	c.cache.Wait()
	return nil
}

var _ registrycache.MemoryEntriesCache = (*localEntriesCache)(nil)
