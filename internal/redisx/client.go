package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	r := redis.NewClient(&redis.Options{Addr: addr})
	_ = r.WithTimeout(2 * time.Second)
	return r
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// TryLock takes a best-effort cross-process lock. The database conditional
// update remains the authoritative guard; this only sheds duplicate triggers
// before they reach the ledger.
func TryLock(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, "1", ttl).Result()
}

func Unlock(ctx context.Context, rdb *redis.Client, key string) {
	_ = rdb.Del(ctx, key).Err()
}
