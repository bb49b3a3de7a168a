// Package limiter tracks per-user daily action volume. The counter is a
// plain day-bucketed tally, not a token bucket: the daily cap is a soft
// constraint evaluated by policy, so the limiter only counts and the
// constraint layer decides what the count means.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Counter is the storage abstraction for the daily tally. Days are
// bucketed in UTC.
type Counter interface {
	// Incr adds one executed action for the user on at's UTC day and
	// returns the new count.
	Incr(ctx context.Context, userID string, at time.Time) (int, error)
	// Today returns the user's count for at's UTC day.
	Today(ctx context.Context, userID string, at time.Time) (int, error)
}

func dayKey(userID string, at time.Time) string {
	return fmt.Sprintf("actions:%s:%s", userID, at.UTC().Format("2006-01-02"))
}

// LocalCounter is an in-process Counter for tests and single-instance
// deployments. Old day buckets are pruned lazily on write.
type LocalCounter struct {
	mu     sync.Mutex
	counts map[string]int
	day    string
}

func NewLocalCounter() *LocalCounter {
	return &LocalCounter{counts: make(map[string]int)}
}

func (c *LocalCounter) Incr(_ context.Context, userID string, at time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(at)
	key := dayKey(userID, at)
	c.counts[key]++
	return c.counts[key], nil
}

func (c *LocalCounter) Today(_ context.Context, userID string, at time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[dayKey(userID, at)], nil
}

func (c *LocalCounter) rollover(at time.Time) {
	day := at.UTC().Format("2006-01-02")
	if c.day == day {
		return
	}
	// A new day started; previous buckets can never be read again.
	if c.day != "" {
		c.counts = make(map[string]int)
	}
	c.day = day
}
