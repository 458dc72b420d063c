package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisCounterStore implements CounterStore.
var _ CounterStore = (*RedisCounterStore)(nil)

// RedisCounterStore keeps counters in Redis so every instance shares them.
type RedisCounterStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounterStore creates a Redis-backed counter store.
func NewRedisCounterStore(client redis.UniversalClient) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: "altscore:ratelimit:"}
}

// Incr implements CounterStore with INCR and an EXPIRE set only when the key
// has no TTL yet, so the window starts at the first event.
func (r *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := r.prefix + key
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}
