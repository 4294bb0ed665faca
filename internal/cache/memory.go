package cache

import (
	"context"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is a per-process event cache used when Redis is disabled.
type MemoryCache struct {
	cache *gocache.Cache
}

// NewMemoryCache constructs a MemoryCache.
func NewMemoryCache(defaultTTL, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{cache: gocache.New(defaultTTL, cleanupInterval)}
}

// GetEvent returns a copy of the cached event or ErrMiss.
func (c *MemoryCache) GetEvent(_ context.Context, id string) (*model.Event, error) {
	v, found := c.cache.Get(eventKey(id))
	if !found {
		return nil, ErrMiss
	}
	ev, ok := v.(model.Event)
	if !ok {
		return nil, ErrMiss
	}
	ev.Categories = append([]model.Category(nil), ev.Categories...)
	return &ev, nil
}

// SetEvent stores a copy of ev.
func (c *MemoryCache) SetEvent(_ context.Context, ev *model.Event, ttl time.Duration) error {
	c.cache.Set(eventKey(ev.ID), *ev, ttl)
	return nil
}
