package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisIncrScript increments the day bucket and pins its TTL on first
// write so keys clean themselves up after the day rolls over.
// KEYS[1] = day-bucket key
// ARGV[1] = TTL in seconds
var redisIncrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return count
`)

// RedisCounter is the shared Counter for multi-instance deployments.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(addr, password string, db int) *RedisCounter {
	return &RedisCounter{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisCounterFromClient wraps an existing client (shared pools, tests).
func NewRedisCounterFromClient(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, userID string, at time.Time) (int, error) {
	ttl := secondsUntilNextDay(at) + 3600 // slack for clock skew between instances
	n, err := redisIncrScript.Run(ctx, c.client, []string{dayKey(userID, at)}, ttl).Int()
	if err != nil {
		return 0, fmt.Errorf("limiter: incr: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Today(ctx context.Context, userID string, at time.Time) (int, error) {
	n, err := c.client.Get(ctx, dayKey(userID, at)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("limiter: read count: %w", err)
	}
	return n, nil
}

// Ping verifies connectivity at startup.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func secondsUntilNextDay(at time.Time) int {
	at = at.UTC()
	next := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return int(next.Sub(at).Seconds())
}
