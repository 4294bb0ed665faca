// Package cache keeps read-through copies of event documents. Events do not
// change during a checkout, so a short TTL is safe.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrMiss is returned by caches when the key is absent.
var ErrMiss = errors.New("cache miss")

// Cache stores events by id.
type Cache interface {
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	SetEvent(ctx context.Context, ev *model.Event, ttl time.Duration) error
}

// EventSource is the backing store.
type EventSource interface {
	GetEvent(ctx context.Context, id string) (*model.Event, error)
}

// EventStore serves events from a Cache and falls back to the source.
// Concurrent misses for the same id share a single source load.
type EventStore struct {
	source EventSource
	cache  Cache
	ttl    time.Duration
	group  singleflight.Group
}

// NewEventStore wraps source with cache.
func NewEventStore(source EventSource, cache Cache, ttl time.Duration) *EventStore {
	return &EventStore{source: source, cache: cache, ttl: ttl}
}

// GetEvent returns the event, loading and caching it on a miss. Cache
// failures are logged and never fail the read.
func (s *EventStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	ev, err := s.cache.GetEvent(ctx, id)
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, ErrMiss) {
		log.Warn().Err(err).Str("event_id", id).Msg("event cache read failed")
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		ev, err := s.source.GetEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.cache.SetEvent(ctx, ev, s.ttl); err != nil {
			log.Warn().Err(err).Str("event_id", id).Msg("event cache write failed")
		}
		return ev, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*model.Event)
	cp.Categories = append([]model.Category(nil), cp.Categories...)
	return &cp, nil
}

func eventKey(id string) string {
	return fmt.Sprintf("event:%s", id)
}
