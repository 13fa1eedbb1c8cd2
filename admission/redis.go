package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps windows in Redis so counters survive restarts. The key
// is created with its expiry on the first hit of a window, which gives the
// same anchored window as MemoryStore.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (Window, error) {
	k := fmt.Sprintf("%s:%s", s.prefix, key)

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, k, 0, window)
		incr = pipe.Incr(ctx, k)
		ttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return Window{}, fmt.Errorf("rate limit hit: %w", err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return Window{
		Key:     key,
		Count:   incr.Val(),
		ResetAt: time.Now().Add(remaining),
	}, nil
}
