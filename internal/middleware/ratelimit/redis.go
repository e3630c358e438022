package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments a window counter and sets its expiry on the
// first hit, atomically.
// Returns: post-increment count
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisStore shares counters across gateway instances.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore creates a store on top of client.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// Incr increments key and returns the post-increment count.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return fixedWindowScript.Run(ctx, s.client,
		[]string{key},
		window.Milliseconds(),
	).Int64()
}
