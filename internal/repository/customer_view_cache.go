package repository

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/redis/go-redis/v9"
)

const viewCachePrefix = "cqrs:view:"

// CustomerViewCache is a read-through cache in front of customers_view.
// The projector invalidates an entry after each committed change.
type CustomerViewCache interface {
	Get(ctx context.Context, id string) (*model.CustomerView, error)
	Set(ctx context.Context, v model.CustomerView) error
	Invalidate(ctx context.Context, id string) error
}

type redisViewCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCustomerViewCache(rdb *redis.Client, ttl time.Duration) CustomerViewCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &redisViewCache{rdb: rdb, ttl: ttl}
}

// Get returns nil, nil on a miss.
func (c *redisViewCache) Get(ctx context.Context, id string) (*model.CustomerView, error) {
	raw, err := c.rdb.Get(ctx, viewCachePrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v model.CustomerView
	if err := json.Unmarshal(raw, &v); err != nil {
		// a corrupt entry is treated as a miss and dropped
		_ = c.rdb.Del(ctx, viewCachePrefix+id).Err()
		return nil, nil
	}
	return &v, nil
}

func (c *redisViewCache) Set(ctx context.Context, v model.CustomerView) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, viewCachePrefix+v.ID, raw, c.ttl).Err()
}

func (c *redisViewCache) Invalidate(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, viewCachePrefix+id).Err()
}

// NopViewCache is used when no redis is configured.
type NopViewCache struct{}

func (NopViewCache) Get(context.Context, string) (*model.CustomerView, error) { return nil, nil }

func (NopViewCache) Set(context.Context, model.CustomerView) error { return nil }

func (NopViewCache) Invalidate(context.Context, string) error { return nil }
