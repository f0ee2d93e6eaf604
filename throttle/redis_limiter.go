package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow increments KEYS[1] and starts its expiry on the first event, so
// the window is fixed from the first hit.
var incrWindow = redis.NewScript(`
	local n = redis.call("incr", KEYS[1])
	if n == 1 then
		redis.call("pexpire", KEYS[1], ARGV[1])
	end
	return n
`)

// RedisLimiter is a Limiter whose counters live in Redis, so several server
// instances share one budget per key.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a RedisLimiter.
//
// Parameters:
//   - client: The Redis client
//   - prefix: Prepended to every key, such as "tilenet:accept:"
//   - limit: Events allowed per key and window
//   - window: Window length
//
// Returns:
//   - The limiter, or ErrInvalidLimit
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*RedisLimiter, error) {
	if err := validate(limit, window); err != nil {
		return nil, err
	}

	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}, nil
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := incrWindow.Run(ctx, r.client, []string{r.prefix + key}, r.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis incr %s: %w", key, err)
	}

	return n <= int64(r.limit), nil
}
