package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (s *countingSource) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	if s.err != nil {
		return nil, s.err
	}
	return &model.Event{ID: id, Name: "Trail 50", Categories: []model.Category{{ID: "50k", ListPrice: 900}}}, nil
}

func TestEventStore_ReadThrough(t *testing.T) {
	src := &countingSource{}
	store := NewEventStore(src, NewMemoryCache(time.Minute, time.Minute), time.Minute)

	ev, err := store.GetEvent(context.Background(), "trail")
	require.NoError(t, err)
	assert.Equal(t, "Trail 50", ev.Name)

	ev.Categories[0].ListPrice = 1
	again, err := store.GetEvent(context.Background(), "trail")
	require.NoError(t, err)
	assert.Equal(t, int64(900), again.Categories[0].ListPrice, "callers must not mutate the cached copy")
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestEventStore_ConcurrentMissesShareLoad(t *testing.T) {
	src := &countingSource{delay: 50 * time.Millisecond}
	store := NewEventStore(src, NewMemoryCache(time.Minute, time.Minute), time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.GetEvent(context.Background(), "trail")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestEventStore_SourceErrorIsNotCached(t *testing.T) {
	src := &countingSource{err: model.ErrNotFound}
	store := NewEventStore(src, NewMemoryCache(time.Minute, time.Minute), time.Minute)

	_, err := store.GetEvent(context.Background(), "missing")
	require.True(t, errors.Is(err, model.ErrNotFound))
	_, err = store.GetEvent(context.Background(), "missing")
	require.True(t, errors.Is(err, model.ErrNotFound))
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestMemoryCache_Miss(t *testing.T) {
	c := NewMemoryCache(time.Minute, time.Minute)
	_, err := c.GetEvent(context.Background(), "nope")
	require.ErrorIs(t, err, ErrMiss)
}
