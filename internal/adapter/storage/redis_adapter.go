package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/token-marketplace/internal/core/domain"
)

const (
	itemIndexKey    = "marketplace:items:index"
	DefaultCacheTTL = 5 * time.Minute
)

// invalidateScript drops every cached item view and the index in one step.
var invalidateScript = redis.NewScript(`
local keys = redis.call('SMEMBERS', KEYS[1])
for _, key in ipairs(keys) do
	redis.call('DEL', key)
end
redis.call('DEL', KEYS[1])
return #keys
`)

// RedisAdapter caches item views. It also consumes committed events and
// invalidates the cache on each of them.
type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisAdapter{client: client, ttl: ttl}
}

func (r *RedisAdapter) GetItemViews(ctx context.Context, key string) ([]domain.ItemView, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var views []domain.ItemView
	if err := json.Unmarshal(raw, &views); err != nil {
		return nil, false, fmt.Errorf("decode cached views: %w", err)
	}
	return views, true, nil
}

func (r *RedisAdapter) SetItemViews(ctx context.Context, key string, views []domain.ItemView) error {
	if views == nil {
		views = []domain.ItemView{}
	}
	data, err := json.Marshal(views)
	if err != nil {
		return fmt.Errorf("encode views: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, r.ttl)
	pipe.SAdd(ctx, itemIndexKey, key)
	pipe.Expire(ctx, itemIndexKey, r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisAdapter) Invalidate(ctx context.Context) error {
	return invalidateScript.Run(ctx, r.client, []string{itemIndexKey}).Err()
}

// Publish invalidates on every committed event. Withdrawals do not change
// item views and are ignored.
func (r *RedisAdapter) Publish(ctx context.Context, rec domain.EventRecord) error {
	if rec.Event.Kind() == domain.EventFundsWithdrawn {
		return nil
	}
	return r.Invalidate(ctx)
}
