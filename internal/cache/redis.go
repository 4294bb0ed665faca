package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisCache shares event documents across API and worker instances.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}
	return &RedisCache{client: client}, nil
}

// GetEvent reads an event; a missing key returns ErrMiss.
func (c *RedisCache) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	data, err := c.client.Get(ctx, eventKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrMiss
		}
		return nil, errors.Wrap(err, "failed to get event from Redis")
	}

	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal cached event")
	}
	return &ev, nil
}

// SetEvent stores an event with a TTL.
func (c *RedisCache) SetEvent(ctx context.Context, ev *model.Event, ttl time.Duration) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event for caching")
	}
	if err := c.client.Set(ctx, eventKey(ev.ID), data, ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to set event in Redis")
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
