package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/order-reservations/internal/orders"
	"github.com/redis/go-redis/v9"
)

// putIfNewer never lets an older snapshot overwrite a newer one, so a slow
// reader cannot re-cache "pending" over a cancellation written by another process.
var putIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'order', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStatusCache(rdb *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = TTLStatusCache
	}
	return &StatusCache{rdb: rdb, ttl: ttl}
}

func statusKey(id string) string { return fmt.Sprintf(KeyOrderStatus, id) }

func (c *StatusCache) Get(ctx context.Context, id string) (*orders.Order, bool, error) {
	s, err := c.rdb.HGet(ctx, statusKey(id), "order").Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var o orders.Order
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return nil, false, fmt.Errorf("decode cached order %s: %w", id, err)
	}
	return &o, true, nil
}

func (c *StatusCache) Put(ctx context.Context, o *orders.Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	v := strconv.FormatInt(o.UpdatedAt.UnixMicro(), 10)
	return putIfNewer.Run(ctx, c.rdb, []string{statusKey(o.ID)}, v, string(b), c.ttl.Milliseconds()).Err()
}

func (c *StatusCache) Invalidate(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, statusKey(id)).Err()
}
